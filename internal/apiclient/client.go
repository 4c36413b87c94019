// Package apiclient is an HTTP client for the agentline control API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/agentline/internal/telephony"
)

// Error is a non-2xx API response.
type Error struct {
	Status int
	Kind   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Kind)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Kind, e.Detail)
}

// Health is the /health response.
type Health struct {
	Status     string `json:"status"`
	Uptime     int64  `json:"uptime"`
	Connection string `json:"connection"`
	Registered bool   `json:"registered"`
}

// Status mirrors telephony.Status with states as strings.
type Status struct {
	Connection      string    `json:"connection"`
	ConnectionError string    `json:"connection_error,omitempty"`
	Registration    Reg       `json:"registration"`
	PendingCall     *CallInfo `json:"pending_call,omitempty"`
	ActiveCall      *CallInfo `json:"active_call,omitempty"`
	IsRegistered    bool      `json:"is_registered"`
	IsInCall        bool      `json:"is_in_call"`
	IsIncoming      bool      `json:"is_incoming"`
}

type Reg struct {
	State string `json:"state"`
	Cause string `json:"cause,omitempty"`
}

// CallInfo is a call snapshot as the API renders it.
type CallInfo struct {
	ID             string        `json:"id"`
	CallID         string        `json:"call_id"`
	Direction      string        `json:"direction"`
	Remote         string        `json:"remote"`
	State          string        `json:"state"`
	EndReason      string        `json:"end_reason,omitempty"`
	FailureCause   string        `json:"failure_cause,omitempty"`
	Muted          bool          `json:"muted"`
	CreatedAt      time.Time     `json:"created_at"`
	AnsweredAt     time.Time     `json:"answered_at,omitempty"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
	TransferTarget string        `json:"transfer_target,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// Event is a journal record as the API renders it.
type Event struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Name      string    `json:"event"`
	Time      time.Time `json:"time"`
	Call      *CallInfo `json:"call,omitempty"`
	Conn      string    `json:"connection,omitempty"`
	Reg       *Reg      `json:"registration,omitempty"`
	Muted     *bool     `json:"muted,omitempty"`
	Tones     string    `json:"tones,omitempty"`
	Target    string    `json:"target,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Completed *bool     `json:"completed,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Client talks to one agent's API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:8080.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// transfers and dials can take a while to be answered
			Timeout: 2 * time.Minute,
		},
	}
}

// BaseURL returns the agent base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	return call[Health](ctx, c, http.MethodGet, "/api/v1/health", nil)
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	return call[Status](ctx, c, http.MethodGet, "/api/v1/status", nil)
}

// Events returns up to limit journal records, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	path := "/api/v1/events?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) Join(ctx context.Context) (*Reg, error) {
	return call[Reg](ctx, c, http.MethodPost, "/api/v1/queue/join", nil)
}

func (c *Client) Leave(ctx context.Context) (*Reg, error) {
	return call[Reg](ctx, c, http.MethodPost, "/api/v1/queue/leave", nil)
}

func (c *Client) Dial(ctx context.Context, target string) (*CallInfo, error) {
	return call[CallInfo](ctx, c, http.MethodPost, "/api/v1/calls", map[string]string{"target": target})
}

func (c *Client) Call(ctx context.Context, id string) (*CallInfo, error) {
	return call[CallInfo](ctx, c, http.MethodGet, callPath(id, ""), nil)
}

func (c *Client) Answer(ctx context.Context, id string) (*CallInfo, error) {
	return call[CallInfo](ctx, c, http.MethodPost, callPath(id, "answer"), nil)
}

// Reject declines an incoming call. A zero code lets the agent choose.
func (c *Client) Reject(ctx context.Context, id string, code int, reason string) error {
	body := map[string]any{"code": code, "reason": reason}
	return c.do(ctx, http.MethodPost, callPath(id, "reject"), body, nil)
}

func (c *Client) HangUp(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, callPath(id, "hangup"), nil, nil)
}

func (c *Client) Mute(ctx context.Context, id string, muted bool) (*CallInfo, error) {
	action := "unmute"
	if muted {
		action = "mute"
	}
	return call[CallInfo](ctx, c, http.MethodPost, callPath(id, action), nil)
}

// SendTones plays tones on a call. Zero durations use the agent defaults.
func (c *Client) SendTones(ctx context.Context, id, tones string, duration, gap time.Duration) error {
	body := map[string]any{
		"tones":       tones,
		"duration_ms": duration.Milliseconds(),
		"gap_ms":      gap.Milliseconds(),
	}
	return c.do(ctx, http.MethodPost, callPath(id, "dtmf"), body, nil)
}

func (c *Client) Transfer(ctx context.Context, id, target string, mode telephony.TransferMode) error {
	body := map[string]string{"target": target, "mode": mode.String()}
	return c.do(ctx, http.MethodPost, callPath(id, "transfer"), body, nil)
}

func (c *Client) ICEServers(ctx context.Context) ([]telephony.ICEServer, error) {
	var resp struct {
		ICEServers []telephony.ICEServer `json:"ice_servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/ice-servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func (c *Client) SetICEServers(ctx context.Context, servers []telephony.ICEServer) error {
	body := map[string]any{"ice_servers": servers}
	return c.do(ctx, http.MethodPut, "/api/v1/ice-servers", body, nil)
}

func call[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	var v T
	if err := c.do(ctx, method, path, body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func callPath(id, action string) string {
	p := "/api/v1/calls/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		if apiErr.Kind == "" {
			apiErr.Kind = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
