package core

import (
	"fmt"
	"time"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/extractor"
	"github.com/e7canasta/dantic/internal/health"
	"github.com/e7canasta/dantic/internal/session"
	"github.com/e7canasta/dantic/internal/stream"
)

// GetStatus returns the current status of the service. It backs the
// get_status control command and the periodic health publication.
func (d *Dantic) GetStatus() any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := map[string]any{
		"instance_id": d.cfg.InstanceID,
		"running":     d.isRunning,
		"uptime_s":    time.Since(d.started).Seconds(),
		"config": map[string]any{
			"reference_mode": d.cfg.Reference.Mode,
			"target_fps":     d.cfg.Live.TargetFPS,
			"max_error":      d.cfg.Scoring.MaxError,
			"score_legs":     d.cfg.Scoring.ScoreLegs,
			"fallback":       d.cfg.Fallback.Policy,
			"actuator":       fmt.Sprintf("%s:%d", d.cfg.Actuator.Host, d.cfg.Actuator.Port),
		},
	}

	if d.session != nil {
		status["session"] = d.session.Stats()
	}
	if d.provider != nil {
		status["reference_len"] = d.provider.Len()
	}
	if d.transmitter != nil {
		status["actuator"] = d.transmitter.Stats()
	}
	if s, ok := d.live.(interface{ Stats() stream.SourceStats }); ok {
		status["live_source"] = s.Stats()
	}
	if w, ok := d.liveEx.(*extractor.Worker); ok {
		status["live_worker"] = w.Metrics()
	}
	if d.streamer != nil {
		status["reference_frames"] = d.streamer.Frames()
	}
	if d.emitter != nil {
		status["telemetry"] = d.emitter.Stats()
	}
	if d.renderer != nil {
		seen, written, dropped, failed := d.renderer.Stats()
		status["overlay"] = map[string]uint64{
			"seen":    seen,
			"written": written,
			"dropped": dropped,
			"failed":  failed,
		}
	}
	return status
}

// StartHealthServer starts the HTTP health server (non-blocking). Port 0
// disables it.
func (d *Dantic) StartHealthServer(port int) error {
	if port == 0 {
		return nil
	}

	probes := health.Probes{
		Session: func() session.Stats {
			d.mu.RLock()
			sess := d.session
			d.mu.RUnlock()
			if sess == nil {
				return session.Stats{State: session.Idle.String()}
			}
			return sess.Stats()
		},
		Actuator: func() actuator.Stats {
			d.mu.RLock()
			tx := d.transmitter
			d.mu.RUnlock()
			if tx == nil {
				return actuator.Stats{}
			}
			return tx.Stats()
		},
	}
	if d.cfg.Telemetry.Broker != "" {
		probes.MQTTConnected = func() bool {
			d.mu.RLock()
			e := d.emitter
			d.mu.RUnlock()
			return e != nil && e.Stats().Connected
		}
	}

	d.health = health.NewServer(d.cfg.InstanceID, fmt.Sprintf(":%d", port), probes)
	return d.health.Start()
}
