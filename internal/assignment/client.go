// Package assignment talks to the user/device REST API: it picks the
// visitor a measurement belongs to, delivers the measured value and
// mirrors the kiosk workflow state onto the device record.
package assignment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/pulsekiosk/internal/httpkit"
)

// User is the visitor a measurement is assigned to.
type User struct {
	ID string `json:"_id"`
	// RGB is the user's colour exactly as the API returned it. It is
	// echoed back on the Done state update without interpretation.
	RGB json.RawMessage `json:"rgb,omitempty"`
}

// Config configures a Client.
type Config struct {
	UsersEndpoint   string // trailing slash included
	DevicesEndpoint string
	DeviceID        string
	Timeout         time.Duration // per attempt
	Retries         int           // total attempts
	RetryDelay      time.Duration // multiplied by the attempt number
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client is an assignment API client. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client. A nil HTTPClient gets an httpkit client
// with dial retry; a nil Logger falls back to slog.Default.
func NewClient(cfg Config) *Client {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithDialRetry(1, 200*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{cfg: cfg, http: hc, logger: logger}
}

// FetchRandomUser asks the API for the next visitor to measure.
func (c *Client) FetchRandomUser(ctx context.Context) (User, error) {
	var u User
	if err := c.do(ctx, "fetch_user", http.MethodGet, c.cfg.UsersEndpoint+"randomUser", nil, &u); err != nil {
		return User{}, err
	}
	if u.ID == "" {
		return User{}, &ServiceError{
			Op:       "fetch_user",
			URL:      c.cfg.UsersEndpoint + "randomUser",
			Attempts: 1,
			Err:      errors.New("response carries no user id"),
		}
	}
	return u, nil
}

// PostPulse stores value as the user's measured heart rate.
func (c *Client) PostPulse(ctx context.Context, userID string, value int) error {
	body := map[string]int{"pulse": value}
	return c.do(ctx, "post_pulse", http.MethodPut, c.cfg.UsersEndpoint+userID, body, nil)
}

// PostDeviceState sets the device record's state code. A non-empty rgb
// is sent alongside it.
func (c *Client) PostDeviceState(ctx context.Context, state WorkflowState, rgb json.RawMessage) error {
	body := map[string]any{"state": int(state)}
	if len(rgb) > 0 {
		body["rgb"] = rgb
	}
	return c.do(ctx, "post_state", http.MethodPut, c.cfg.DevicesEndpoint+c.cfg.DeviceID, body, nil)
}

// Ping checks that the API answers for this device. It makes a single
// attempt and is meant for health watchers.
func (c *Client) Ping(ctx context.Context) error {
	url := c.cfg.DevicesEndpoint + c.cfg.DeviceID
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &ServiceError{Op: "ping", URL: url, Attempts: 1, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= http.StatusInternalServerError {
		return &ServiceError{Op: "ping", URL: url, StatusCode: resp.StatusCode, Attempts: 1, Err: errors.New(resp.Status)}
	}
	return nil
}

// do runs one API call with the configured timeout per attempt and
// linear backoff between attempts. 4xx responses are not retried.
func (c *Client) do(ctx context.Context, op, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s body: %w", op, err)
		}
	}

	var last *ServiceError
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryDelay * time.Duration(attempt-1)
			c.logger.Debug("retrying assignment call",
				"op", op, "attempt", attempt, "delay", delay, "error", last.Err)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				last.Attempts = attempt - 1
				last.Err = errors.Join(last.Err, ctx.Err())
				return last
			case <-t.C:
			}
		}

		status, err := c.attempt(ctx, method, url, payload, out)
		if err == nil {
			return nil
		}
		last = &ServiceError{Op: op, URL: url, StatusCode: status, Attempts: attempt, Err: err}
		if last.Rejected() || ctx.Err() != nil {
			return last
		}
	}
	return last
}

func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var req *http.Request
	var err error
	if payload != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return resp.StatusCode, fmt.Errorf("%s: %s", resp.Status, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
