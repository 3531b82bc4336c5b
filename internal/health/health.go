// Package health serves liveness, readiness and metrics endpoints for a
// running dantic session.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/session"
	"github.com/e7canasta/dantic/internal/stream"
)

// Probes expose the live components. Nil probes are reported as absent.
type Probes struct {
	Session  func() session.Stats
	Actuator func() actuator.Stats
	Source   func() stream.SourceStats
	// MQTTConnected is nil when telemetry is disabled.
	MQTTConnected func() bool
}

// Status represents the health state of the service
type Status struct {
	Status        string              `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64               `json:"uptime_seconds"`
	Session       *session.Stats      `json:"session,omitempty"`
	Actuator      *actuator.Stats     `json:"actuator,omitempty"`
	Source        *stream.SourceStats `json:"source,omitempty"`
	MQTTConnected *bool               `json:"mqtt_connected,omitempty"`
}

// Server is the HTTP health endpoint.
type Server struct {
	instanceID string
	probes     Probes
	started    time.Time
	srv        *http.Server
	ln         net.Listener
}

// NewServer creates a health server bound to addr (":8080" style).
func NewServer(instanceID, addr string, probes Probes) *Server {
	s := &Server{
		instanceID: instanceID,
		probes:     probes,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Check computes the current status.
func (s *Server) Check() Status {
	st := Status{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if s.probes.Session != nil {
		stats := s.probes.Session()
		st.Session = &stats
		if stats.State != session.Running.String() {
			st.Status = "unhealthy"
		}
	} else {
		st.Status = "unhealthy"
	}
	if s.probes.Actuator != nil {
		stats := s.probes.Actuator()
		st.Actuator = &stats
	}
	if s.probes.Source != nil {
		stats := s.probes.Source()
		st.Source = &stats
	}
	if s.probes.MQTTConnected != nil {
		ok := s.probes.MQTTConnected()
		st.MQTTConnected = &ok
		if !ok && st.Status == "healthy" {
			st.Status = "degraded"
		}
	}
	if st.Status == "healthy" && st.Actuator != nil && st.Actuator.Failures > st.Actuator.Sent {
		st.Status = "degraded"
	}
	return st
}

// LivenessHandler handles /health. It answers 200 while the process runs.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	st := s.Check()
	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(st)
}

// MetricsHandler handles /metrics in the Prometheus text format.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	st := s.Check()
	m := metricWriter{w: w, instance: s.instanceID}
	m.gauge("dantic_uptime_seconds", float64(st.UptimeSeconds))
	if st.Session != nil {
		m.counter("dantic_cycles_total", float64(st.Session.Cycles))
		m.counter("dantic_detected_total", float64(st.Session.Detected))
		m.counter("dantic_absent_total", float64(st.Session.Absent))
		m.counter("dantic_skipped_total", float64(st.Session.Skipped))
		m.counter("dantic_frame_timeouts_total", float64(st.Session.Timeouts))
		m.counter("dantic_overruns_total", float64(st.Session.Overruns))
		m.gauge("dantic_reference_cursor", float64(st.Session.Cursor))
		m.gauge("dantic_left_intensity", float64(st.Session.LastSample.LeftIntensity))
		m.gauge("dantic_right_intensity", float64(st.Session.LastSample.RightIntensity))
		m.gauge("dantic_loop_fps", st.Session.Pacing.FPSMean)
		m.gauge("dantic_loop_jitter_seconds", st.Session.Pacing.JitterMean)
	}
	if st.Actuator != nil {
		m.counter("dantic_actuator_sent_total", float64(st.Actuator.Sent))
		m.counter("dantic_actuator_failures_total", float64(st.Actuator.Failures))
	}
	if st.Source != nil {
		m.counter("dantic_source_frames_total", float64(st.Source.Frames))
		m.counter("dantic_source_dropped_total", float64(st.Source.Dropped))
	}
	if st.MQTTConnected != nil {
		v := 0.0
		if *st.MQTTConnected {
			v = 1
		}
		m.gauge("dantic_mqtt_connected", v)
	}
}

type metricWriter struct {
	w        http.ResponseWriter
	instance string
}

func (m metricWriter) gauge(name string, v float64)   { m.write(name, "gauge", v) }
func (m metricWriter) counter(name string, v float64) { m.write(name, "counter", v) }

func (m metricWriter) write(name, kind string, v float64) {
	fmt.Fprintf(m.w, "# TYPE %s %s\n%s{instance=%q} %g\n", name, kind, name, m.instance, v)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
