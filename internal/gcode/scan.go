// Package gcode trims the teacher's dual-extruder metadata scan down
// to what a single-nozzle MK2.5/MK3-class printer needs: total
// instruction count (for progress-by-line-number), an estimated print
// duration pulled from slicer comments, and autodetection of
// slicer-emitted M73 progress commands so the file printer knows
// whether it can trust them over its own line-count estimate.
package gcode

import (
	"strconv"
	"strings"
)

// Metadata is what a single scan pass over a gcode file yields.
type Metadata struct {
	TotalLines       int
	EstimatedTime    float64 // seconds, 0 if unknown
	HasM73           bool
	FilamentMM       float64
	LayerHeight      float64
	FirstLayerHeight float64
	ObjectHeight     float64
	Slicer           string
	SlicerVersion    string
}

// Scan makes a single pass over the file content, per §4.10's
// "pre-scan for progress estimation" note.
func Scan(data []byte) Metadata {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")

	var meta Metadata
	var lastAbsE float64
	var relative bool

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, ";") {
			scanComment(trimmed, &meta)
			continue
		}

		codePart := trimmed
		if idx := strings.IndexByte(codePart, ';'); idx >= 0 {
			scanComment(codePart[idx:], &meta)
			codePart = strings.TrimSpace(codePart[:idx])
		}
		if codePart == "" {
			continue
		}
		meta.TotalLines++

		upper := strings.ToUpper(codePart)
		switch {
		case strings.HasPrefix(upper, "M73"):
			meta.HasM73 = true
		case upper == "M82":
			relative = false
		case upper == "M83":
			relative = true
		case strings.HasPrefix(upper, "G92"):
			for _, f := range strings.Fields(codePart) {
				if len(f) >= 2 && (f[0] == 'E' || f[0] == 'e') {
					if v, err := strconv.ParseFloat(f[1:], 64); err == nil {
						lastAbsE = v
					}
				}
			}
		case strings.HasPrefix(upper, "G1") || strings.HasPrefix(upper, "G0"):
			for _, f := range strings.Fields(codePart) {
				if len(f) >= 2 && (f[0] == 'E' || f[0] == 'e') {
					if v, err := strconv.ParseFloat(f[1:], 64); err == nil {
						if relative {
							meta.FilamentMM += v
						} else if v > lastAbsE {
							meta.FilamentMM += v - lastAbsE
							lastAbsE = v
						} else {
							lastAbsE = v
						}
					}
				}
			}
		}
	}
	return meta
}

func scanComment(comment string, meta *Metadata) {
	s := strings.TrimLeft(comment, "; ")
	lower := strings.ToLower(s)

	if strings.HasPrefix(lower, "generated by ") {
		meta.Slicer = strings.TrimSpace(s[len("generated by "):])
		return
	}

	if strings.HasPrefix(lower, "time:") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s[5:]), 64); err == nil && meta.EstimatedTime == 0 {
			meta.EstimatedTime = v
		}
		return
	}

	key, rawVal, ok := strings.Cut(s, "=")
	if !ok {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val := strings.TrimSpace(rawVal)
	switch key {
	case "estimated printing time (normal mode)":
		meta.EstimatedTime = parseDuration(val)
	case "layer_height":
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			meta.LayerHeight = v
		}
	case "first_layer_height":
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			meta.FirstLayerHeight = v
		}
	case "max_print_height":
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			meta.ObjectHeight = v
		}
	case "generated by":
		meta.Slicer = val
	case "slicer_version":
		meta.SlicerVersion = val
	}
}

// parseDuration parses human-readable durations like "1h 30m 15s" to
// seconds, or a plain number of seconds.
func parseDuration(s string) float64 {
	s = strings.ReplaceAll(s, " ", "")
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}

	var total float64
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'h' || r == 'm' || r == 's' || r == 'd':
			v, err := strconv.ParseFloat(num, 64)
			num = ""
			if err != nil {
				continue
			}
			switch r {
			case 'd':
				total += v * 86400
			case 'h':
				total += v * 3600
			case 'm':
				total += v * 60
			case 's':
				total += v
			}
		}
	}
	return total
}
