package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/pulsekiosk/internal/pending"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%q) = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: pulsekiosk") {
			t.Errorf("run(%q) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"dance"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/pulsekiosk.yaml", "pending"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%q) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "PulseKiosk ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text version output:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

// writeConfig writes a minimal valid config whose data directory and
// endpoints live under the test's control.
func writeConfig(t *testing.T, apiURL string) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfg := `data_dir: ` + dataDir + `
peripheral:
  address: "A0:9E:1A:9F:0E:B4"
assignment:
  users_endpoint: ` + apiURL + `/api/users/
  devices_endpoint: ` + apiURL + `/api/pulsesensors/
  device_id: s001
  retries: 1
  retry_delay_ms: 1
mqtt:
  broker: mqtt://127.0.0.1:1883
`
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}

func holdMeasurements(t *testing.T, dataDir string, ms ...pending.Measurement) {
	t.Helper()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := pending.NewStore(filepath.Join(dataDir, "pending.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	for _, m := range ms {
		if _, err := store.Hold(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRun_Pending(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "http://127.0.0.1:1")

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "pending"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no held measurements") {
		t.Errorf("empty pending output:\n%s", out.String())
	}

	measured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	holdMeasurements(t, dataDir,
		pending.Measurement{SessionID: "s1", UserID: "u1", RGB: `"#ff0000"`, Value: 72, MeasuredAt: measured, LastError: "503 Service Unavailable"},
	)

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "-o", "json", "pending"}); err != nil {
		t.Fatal(err)
	}
	var got []pendingJSON
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(got) != 1 {
		t.Fatalf("got %d measurements, want 1", len(got))
	}
	m := got[0]
	if m.UserID != "u1" || m.Value != 72 || string(m.RGB) != `"#ff0000"` || !m.MeasuredAt.Equal(measured) {
		t.Errorf("measurement = %+v", m)
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "pending"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "u1") || !strings.Contains(out.String(), "503 Service Unavailable") {
		t.Errorf("text pending output:\n%s", out.String())
	}
}

// pulseServer accepts PUT /api/users/<id> and records the bodies.
type pulseServer struct {
	mu     sync.Mutex
	pulses map[string]int
	fail   bool
}

func (p *pulseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, "/api/users/") {
		http.NotFound(w, r)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Pulse int `json:"pulse"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.pulses[strings.TrimPrefix(r.URL.Path, "/api/users/")] = body.Pulse
	w.Write([]byte(`{}`))
}

func TestRun_Replay(t *testing.T) {
	api := &pulseServer{pulses: map[string]int{}, fail: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfgPath, dataDir := writeConfig(t, srv.URL)
	holdMeasurements(t, dataDir,
		pending.Measurement{SessionID: "s1", UserID: "u1", Value: 70},
		pending.Measurement{SessionID: "s2", UserID: "u2", Value: 81},
	)

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "-o", "json", "replay"})
	if err == nil {
		t.Fatal("replay against a failing API should return an error")
	}
	var res struct {
		Sent      int    `json:"sent"`
		Remaining int    `json:"remaining"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if res.Sent != 0 || res.Remaining != 2 || res.Error == "" {
		t.Errorf("failed replay result = %+v", res)
	}

	api.mu.Lock()
	api.fail = false
	api.mu.Unlock()

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "replay"}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := out.String(); got != "sent 2, 0 still held\n" {
		t.Errorf("replay output = %q", got)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.pulses["u1"] != 70 || api.pulses["u2"] != 81 {
		t.Errorf("pulses = %v", api.pulses)
	}
}
