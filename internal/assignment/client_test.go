package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorded struct {
	Method string
	Path   string
	Body   string
}

// apiServer fakes the users/devices API. fail answers 503 to the first
// n requests.
type apiServer struct {
	mu       sync.Mutex
	requests []recorded
	fail     int
	status   int // response code once fail is exhausted (default 200)
	body     string
}

func (a *apiServer) handler(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.requests = append(a.requests, recorded{r.Method, r.URL.Path, string(b)})
	failing := a.fail > 0
	if failing {
		a.fail--
	}
	status, body := a.status, a.body
	a.mu.Unlock()

	if failing {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (a *apiServer) calls() []recorded {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recorded(nil), a.requests...)
}

func newTestClient(t *testing.T, api *apiServer) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		UsersEndpoint:   srv.URL + "/api/users/",
		DevicesEndpoint: srv.URL + "/api/pulsesensors/",
		DeviceID:        "s001",
		Timeout:         time.Second,
		Retries:         3,
		RetryDelay:      time.Millisecond,
		HTTPClient:      srv.Client(),
	})
}

func TestFetchRandomUser(t *testing.T) {
	api := &apiServer{body: `{"_id":"65f0c2","rgb":[255,64,0],"name":"ignored"}`}
	c := newTestClient(t, api)

	u, err := c.FetchRandomUser(context.Background())
	if err != nil {
		t.Fatalf("FetchRandomUser() error: %v", err)
	}
	if u.ID != "65f0c2" {
		t.Errorf("ID = %q, want 65f0c2", u.ID)
	}
	if string(u.RGB) != "[255,64,0]" {
		t.Errorf("RGB = %s, want raw [255,64,0]", u.RGB)
	}
	calls := api.calls()
	if len(calls) != 1 || calls[0].Method != http.MethodGet || calls[0].Path != "/api/users/randomUser" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestFetchRandomUser_NoID(t *testing.T) {
	c := newTestClient(t, &apiServer{body: `{}`})

	_, err := c.FetchRandomUser(context.Background())
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ServiceError", err)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	api := &apiServer{fail: 2, body: `{"_id":"u1"}`}
	c := newTestClient(t, api)

	if _, err := c.FetchRandomUser(context.Background()); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if n := len(api.calls()); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestClient_ExhaustedRetries(t *testing.T) {
	api := &apiServer{fail: 10}
	c := newTestClient(t, api)

	err := c.PostPulse(context.Background(), "u1", 80)
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ServiceError", err)
	}
	if se.Op != "post_pulse" || se.Attempts != 3 || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ServiceError = %+v", se)
	}
	if se.Rejected() {
		t.Error("503 must not count as rejected")
	}
	if n := len(api.calls()); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestClient_RejectionNotRetried(t *testing.T) {
	api := &apiServer{status: http.StatusNotFound, body: `{"message":"no such user"}`}
	c := newTestClient(t, api)

	err := c.PostPulse(context.Background(), "missing", 80)
	var se *ServiceError
	if !errors.As(err, &se) || !se.Rejected() {
		t.Fatalf("error = %v, want rejected ServiceError", err)
	}
	if !strings.Contains(se.Error(), "no such user") {
		t.Errorf("error text %q should carry the response body", se.Error())
	}
	if n := len(api.calls()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestPostPulse(t *testing.T) {
	api := &apiServer{}
	c := newTestClient(t, api)

	if err := c.PostPulse(context.Background(), "65f0c2", 80); err != nil {
		t.Fatal(err)
	}
	got := api.calls()[0]
	if got.Method != http.MethodPut || got.Path != "/api/users/65f0c2" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
	if got.Body != `{"pulse":80}` {
		t.Errorf("body = %s", got.Body)
	}
}

func TestPostDeviceState(t *testing.T) {
	tests := []struct {
		name  string
		state WorkflowState
		rgb   json.RawMessage
		want  string
	}{
		{"scanning", StateScanning, nil, `{"state":1}`},
		{"done with colour", StateDone, json.RawMessage(`"#00ff88"`), `{"rgb":"#00ff88","state":2}`},
		{"out of service", StateOutOfService, nil, `{"state":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &apiServer{}
			c := newTestClient(t, api)

			if err := c.PostDeviceState(context.Background(), tt.state, tt.rgb); err != nil {
				t.Fatal(err)
			}
			got := api.calls()[0]
			if got.Path != "/api/pulsesensors/s001" {
				t.Errorf("path = %s", got.Path)
			}
			if got.Body != tt.want {
				t.Errorf("body = %s, want %s", got.Body, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, &apiServer{status: http.StatusNotFound})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() with 404 = %v, want nil (API is answering)", err)
	}

	c = newTestClient(t, &apiServer{fail: 1})
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() with 503 should fail")
	}
}

func TestWorkflowStateCodes(t *testing.T) {
	tests := []struct {
		state WorkflowState
		code  int
		name  string
	}{
		{StateIdle, 0, "idle"},
		{StateScanning, 1, "scanning"},
		{StateDone, 2, "done"},
		{StateOutOfService, 3, "out_of_service"},
		{StateError, 4, "error"},
	}
	for _, tt := range tests {
		if int(tt.state) != tt.code || tt.state.String() != tt.name {
			t.Errorf("%v: code %d name %q", tt.state, int(tt.state), tt.state.String())
		}
	}
}
