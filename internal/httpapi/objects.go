package httpapi

import (
	"github.com/prusa3d/prusalink-go/internal/job"
	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/profile"
	"github.com/prusa3d/prusalink-go/internal/state"
)

// buildObjects assembles the moonraker-style "printer objects" map the
// teacher's dashboard frontends expect, populated from this daemon's
// actual state instead of a Klipper object tree.
func buildObjects(m *model.Model, sm *state.Manager, jobs *job.Tracker, p *profile.Profile) map[string]interface{} {
	t := m.GetTelemetry()
	return map[string]interface{}{
		"webhooks": map[string]interface{}{
			"state":         "ready",
			"state_message": "",
		},
		"printer": p,
		"print_stats": map[string]interface{}{
			"state":     string(sm.External()),
			"filename":  "",
			"job_id":    jobs.JobID(),
			"print_duration": orZero(t.PrintingSeconds),
		},
		"display_status": map[string]interface{}{
			"progress": orZero(t.Progress),
		},
		"extruder": map[string]interface{}{
			"temperature": orZero(t.TempNozzle),
			"target":      orZero(t.TargetNozzle),
		},
		"heater_bed": map[string]interface{}{
			"temperature": orZero(t.TempBed),
			"target":      orZero(t.TargetBed),
		},
		"toolhead": map[string]interface{}{
			"position": []float64{orZero(t.PosX), orZero(t.PosY), orZero(t.PosZ), orZero(t.PosE)},
		},
	}
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
