// Package files manages the single local gcode directory §4.10's file
// printer streams from and §6's persisted-state layout names as the
// daemon's only local file root (unlike Moonraker, which juggles many
// named roots — config, logs, gcodes, timelapse — this daemon indexes
// exactly one directory and nothing else, per the Non-goal "does not
// index arbitrary local directories").
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prusa3d/prusalink-go/internal/gcode"
)

// MaxFilenameLength is const.py's 8.3-compatible ceiling: printers with
// an old LCD firmware truncate long names, so uploads get a short-name
// fallback beyond this length.
const MaxFilenameLength = 52

// rootName is the one root this daemon ever serves. It's kept as a
// label (reported in listings, stripped from incoming "root/path"
// strings) even though there is nothing to dispatch on, because the
// WUI and Connect both still address files with a Moonraker-shaped
// "gcodes/subdir/file.gcode" path.
const rootName = "gcodes"

// Manager handles local gcode file storage rooted at one directory.
type Manager struct {
	gcodeDir string
}

// NewManager creates a file manager with the given gcode directory.
func NewManager(gcodeDir string) (*Manager, error) {
	if err := os.MkdirAll(gcodeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating gcode dir %s: %w", gcodeDir, err)
	}
	return &Manager{gcodeDir: gcodeDir}, nil
}

// ShortName derives an 8.3-style fallback name for printers whose LCD
// firmware cannot display long file names, per §4.10's SFN/LFN note.
// It is deterministic but not guaranteed collision-free across an
// entire directory; callers needing uniqueness should suffix with a
// counter on collision.
func ShortName(longName string) string {
	ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(longName), "."))
	if len(ext) > 3 {
		ext = ext[:3]
	}
	base := strings.TrimSuffix(longName, filepath.Ext(longName))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, base)
	if len(base) > 6 {
		base = base[:6] + "~1"
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// NeedsShortName reports whether filename exceeds the printer's LCD
// display limit and should be uploaded with a ShortName fallback.
func NeedsShortName(filename string) bool {
	return len(filename) > MaxFilenameLength
}

// GetRootPath returns the gcode directory's absolute path.
func (m *Manager) GetRootPath() string {
	return m.gcodeDir
}

// ResolvePath turns a "gcodes/sub/file.gcode"-shaped path (the wire
// format the WUI and Connect both use) into an absolute filesystem
// path under the gcode directory. A path with no root prefix is
// treated as already relative to the gcode directory.
func (m *Manager) ResolvePath(rootAndPath string) string {
	rel := strings.TrimPrefix(rootAndPath, rootName+"/")
	if rel == rootName {
		rel = ""
	}
	return filepath.Join(m.gcodeDir, filepath.FromSlash(rel))
}

// withinRoot reports whether path resolves inside the gcode
// directory, rejecting "../" escapes before any filesystem call.
func (m *Manager) withinRoot(path string) bool {
	absRoot, err := filepath.Abs(m.gcodeDir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator))
}

// ListFiles walks the gcode directory and returns flat file metadata
// for every regular file found, relative paths using forward slashes
// regardless of host OS.
func (m *Manager) ListFiles() []map[string]interface{} {
	result := []map[string]interface{}{}

	filepath.Walk(m.gcodeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		relPath, _ := filepath.Rel(m.gcodeDir, path)
		result = append(result, map[string]interface{}{
			"path":        filepath.ToSlash(relPath),
			"modified":    unixSeconds(info),
			"size":        info.Size(),
			"permissions": "rw",
		})
		return nil
	})

	return result
}

// GetDirectory lists the immediate files and subdirectories of path
// (relative to the gcode root, Moonraker get_directory's response
// shape), plus the root's disk usage.
func (m *Manager) GetDirectory(path string) map[string]interface{} {
	dir := m.ResolvePath(path)

	files := []map[string]interface{}{}
	dirs := []map[string]interface{}{}

	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if entry.IsDir() {
				dirs = append(dirs, map[string]interface{}{
					"dirname":     entry.Name(),
					"modified":    unixSeconds(info),
					"size":        info.Size(),
					"permissions": "rw",
				})
				continue
			}
			files = append(files, map[string]interface{}{
				"filename":    entry.Name(),
				"modified":    unixSeconds(info),
				"size":        info.Size(),
				"permissions": "rw",
			})
		}
	}

	return map[string]interface{}{
		"dirs":       dirs,
		"files":      files,
		"disk_usage": m.diskUsageOfRoot(),
		"root_info": map[string]interface{}{
			"name":        rootName,
			"permissions": "rw",
		},
	}
}

func (m *Manager) diskUsageOfRoot() map[string]interface{} {
	total, free := diskUsage(m.gcodeDir)
	return map[string]interface{}{
		"total": total,
		"used":  total - free,
		"free":  free,
	}
}

// GetMetadata stats filename and, for gcode files, runs the same
// single-pass scan the file printer uses at print-start to fill in
// slicer-reported fields.
func (m *Manager) GetMetadata(filename string) (map[string]interface{}, error) {
	path := m.ResolvePath(filename)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", filename)
	}

	meta := map[string]interface{}{
		"filename":           filename,
		"size":               info.Size(),
		"modified":           unixSeconds(info),
		"print_start_time":   nil,
		"job_id":             nil,
		"slicer":             "",
		"slicer_version":     "",
		"estimated_time":     nil,
		"filament_total":     0.0,
		"first_layer_height": nil,
		"layer_height":       nil,
		"object_height":      nil,
	}

	if strings.HasSuffix(filename, ".gcode") || strings.HasSuffix(filename, ".g") {
		if data, err := os.ReadFile(path); err == nil {
			scan := gcode.Scan(data)
			if scan.EstimatedTime > 0 {
				meta["estimated_time"] = scan.EstimatedTime
			}
			if scan.FilamentMM > 0 {
				meta["filament_total"] = scan.FilamentMM
			}
			if scan.LayerHeight > 0 {
				meta["layer_height"] = scan.LayerHeight
			}
			if scan.FirstLayerHeight > 0 {
				meta["first_layer_height"] = scan.FirstLayerHeight
			}
			if scan.ObjectHeight > 0 {
				meta["object_height"] = scan.ObjectHeight
			}
			if scan.Slicer != "" {
				meta["slicer"] = scan.Slicer
			}
			if scan.SlicerVersion != "" {
				meta["slicer_version"] = scan.SlicerVersion
			}
		}
	}

	return meta, nil
}

// SaveFile writes an uploaded file under the gcode directory, creating
// any intermediate subdirectories.
func (m *Manager) SaveFile(filename string, data []byte) error {
	path := m.ResolvePath(filename)
	if !m.withinRoot(path) {
		return fmt.Errorf("invalid path: %s", filename)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads a file from the gcode directory.
func (m *Manager) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(m.ResolvePath(filename))
}

// DeleteFile removes a file from the gcode directory, refusing any
// path that would escape it.
func (m *Manager) DeleteFile(filename string) error {
	path := m.ResolvePath(filename)
	if !m.withinRoot(path) {
		return fmt.Errorf("invalid path: %s", filename)
	}
	return os.Remove(path)
}

// CreateDirectory creates a subdirectory of the gcode directory.
func (m *Manager) CreateDirectory(dirPath string) error {
	path := m.ResolvePath(dirPath)
	if !m.withinRoot(path) {
		return fmt.Errorf("invalid path: %s", dirPath)
	}
	return os.MkdirAll(path, 0o755)
}

// DeleteDirectory removes an empty subdirectory of the gcode directory.
func (m *Manager) DeleteDirectory(dirPath string) error {
	path := m.ResolvePath(dirPath)
	if !m.withinRoot(path) {
		return fmt.Errorf("invalid path: %s", dirPath)
	}
	return os.Remove(path)
}

// MoveFile moves or renames a file within the gcode directory.
func (m *Manager) MoveFile(source, dest string) error {
	src := m.ResolvePath(source)
	dst := m.ResolvePath(dest)
	if !m.withinRoot(src) || !m.withinRoot(dst) {
		return fmt.Errorf("invalid move: %s -> %s", source, dest)
	}
	return os.Rename(src, dst)
}

func unixSeconds(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
