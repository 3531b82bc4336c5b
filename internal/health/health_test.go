package health

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/scoring"
	"github.com/e7canasta/dantic/internal/session"
)

func running() session.Stats {
	return session.Stats{ID: "s1", State: session.Running.String(), Cycles: 42, Cursor: 7}
}

func TestCheck(t *testing.T) {
	up := func() bool { return true }
	down := func() bool { return false }

	tests := []struct {
		name   string
		probes Probes
		want   string
	}{
		{"no session", Probes{}, "unhealthy"},
		{"running", Probes{Session: running}, "healthy"},
		{"stopped", Probes{Session: func() session.Stats {
			return session.Stats{State: session.Stopped.String()}
		}}, "unhealthy"},
		{"mqtt up", Probes{Session: running, MQTTConnected: up}, "healthy"},
		{"mqtt down", Probes{Session: running, MQTTConnected: down}, "degraded"},
		{"actuator failing", Probes{Session: running, Actuator: func() actuator.Stats {
			return actuator.Stats{Sent: 1, Failures: 10}
		}}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("test", ":0", tt.probes)
			if got := s.Check().Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	s := NewServer("test", ":0", Probes{})
	rec := httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}

	s = NewServer("test", ":0", Probes{Session: running})
	rec = httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Session == nil || st.Session.Cycles != 42 {
		t.Errorf("session = %+v", st.Session)
	}
}

func TestReadinessHandler_NaNSample(t *testing.T) {
	s := NewServer("test", ":0", Probes{Session: func() session.Stats {
		st := running()
		st.LastSample = scoring.Sample{LeftError: math.NaN(), Aggregate: math.NaN(), RightError: 0.02, RightIntensity: 20}
		return st
	}})
	rec := httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}

	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode readiness body: %v", err)
	}
	if st.Session == nil || st.Session.LastSample.RightIntensity != 20 {
		t.Errorf("session = %+v", st.Session)
	}
}

func TestMetricsHandler(t *testing.T) {
	s := NewServer("studio", ":0", Probes{
		Session:       running,
		MQTTConnected: func() bool { return true },
	})
	rec := httptest.NewRecorder()
	s.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`dantic_cycles_total{instance="studio"} 42`,
		`dantic_reference_cursor{instance="studio"} 7`,
		`dantic_mqtt_connected{instance="studio"} 1`,
		"# TYPE dantic_cycles_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer("test", "127.0.0.1:0", Probes{Session: running})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "alive") {
		t.Errorf("code=%d body=%s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
