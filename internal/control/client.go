package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
	"github.com/eliteGoblin/focusd/delay_guard/internal/events"
	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
	"github.com/eliteGoblin/focusd/delay_guard/internal/timer"
)

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d (%s)", e.Status, e.Code)
	}
	return e.Message
}

// Unwrap lets callers match the daemon's sentinel errors.
func (e *APIError) Unwrap() error {
	if e.Code == CodeElevationCancelled {
		return domain.ErrElevationCancelled
	}
	return nil
}

// Client talks to a running daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon listening on addr (host:port).
func NewClient(addr string) *Client {
	return NewClientWithHTTP("http://"+addr, &http.Client{})
}

// NewClientWithHTTP creates a client against baseURL (for testing).
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// Status returns the daemon summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Preferences returns the whole preference document.
func (c *Client) Preferences(ctx context.Context) (store.Map, error) {
	var m store.Map
	err := c.do(ctx, http.MethodGet, "/v1/preferences", nil, &m)
	return m, err
}

// ReadPreference returns key as a boolean.
func (c *Client) ReadPreference(ctx context.Context, key string) (bool, error) {
	var v PreferenceValue
	err := c.do(ctx, http.MethodGet, "/v1/preferences?key="+url.QueryEscape(key), nil, &v)
	return v.Value, err
}

// SavePreference stores value under key.
func (c *Client) SavePreference(ctx context.Context, key string, value any) error {
	return c.do(ctx, http.MethodPut, "/v1/preferences", PreferenceRequest{Key: key, Value: value}, nil)
}

// Delay returns the configured delay and any pending change to it.
func (c *Client) Delay(ctx context.Context) (DelayResponse, error) {
	var d DelayResponse
	err := c.do(ctx, http.MethodGet, "/v1/delay", nil, &d)
	return d, err
}

// BlockData returns the block data document.
func (c *Client) BlockData(ctx context.Context) (store.Map, error) {
	var m store.Map
	err := c.do(ctx, http.MethodGet, "/v1/blockdata", nil, &m)
	return m, err
}

// SaveBlockData replaces the block data document.
func (c *Client) SaveBlockData(ctx context.Context, data store.Map) error {
	return c.do(ctx, http.MethodPut, "/v1/blockdata", data, nil)
}

// StartTimer starts a countdown for key; target applies to the delay key only.
func (c *Client) StartTimer(ctx context.Context, key string, target any) (timer.ChangeStatus, error) {
	var st timer.ChangeStatus
	err := c.do(ctx, http.MethodPost, "/v1/timers/start", TimerRequest{Key: key, Target: target}, &st)
	return st, err
}

// CancelTimer abandons the countdown for key.
func (c *Client) CancelTimer(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/timers/cancel", TimerRequest{Key: key}, nil)
}

// TimerStatus reports the countdown state of key.
func (c *Client) TimerStatus(ctx context.Context, key string) (timer.ChangeStatus, error) {
	var st timer.ChangeStatus
	err := c.do(ctx, http.MethodGet, "/v1/timers/status?key="+url.QueryEscape(key), nil, &st)
	return st, err
}

// ActiveTimers lists keys with a live countdown.
func (c *Client) ActiveTimers(ctx context.Context) ([]string, error) {
	var a ActiveTimers
	err := c.do(ctx, http.MethodGet, "/v1/timers/status", nil, &a)
	return a.Active, err
}

// PrimeForDeletion starts the unblock countdown for name.
func (c *Client) PrimeForDeletion(ctx context.Context, itemType, name string) (string, error) {
	var resp PrimeResponse
	err := c.do(ctx, http.MethodPost, "/v1/prime-deletion", PrimeRequest{ItemType: itemType, Name: name}, &resp)
	return resp.Key, err
}

// Protection reports the master switch and monitor state.
func (c *Client) Protection(ctx context.Context) (ProtectionState, error) {
	return c.protection(ctx, http.MethodGet)
}

// EnableProtection switches protection on.
func (c *Client) EnableProtection(ctx context.Context) (ProtectionState, error) {
	return c.protection(ctx, http.MethodPost)
}

// DisableProtection stops the monitor.
func (c *Client) DisableProtection(ctx context.Context) (ProtectionState, error) {
	return c.protection(ctx, http.MethodDelete)
}

func (c *Client) protection(ctx context.Context, method string) (ProtectionState, error) {
	var st ProtectionState
	err := c.do(ctx, method, "/v1/protection", nil, &st)
	return st, err
}

// DNSSafe reports whether the active interface uses a filtering resolver.
func (c *Client) DNSSafe(ctx context.Context) (bool, error) {
	var t Toggle
	err := c.do(ctx, http.MethodGet, "/v1/dns", nil, &t)
	return t.Enabled, err
}

// TurnOnDNS points the system at the filtering resolvers.
func (c *Client) TurnOnDNS(ctx context.Context, strict bool) error {
	return c.do(ctx, http.MethodPost, "/v1/dns", DNSRequest{Strict: strict}, nil)
}

// SafeSearch reports whether safe search is pinned.
func (c *Client) SafeSearch(ctx context.Context) (bool, error) {
	var t Toggle
	err := c.do(ctx, http.MethodGet, "/v1/safe-search", nil, &t)
	return t.Enabled, err
}

// EnableSafeSearch pins safe search and reports whether anything changed.
func (c *Client) EnableSafeSearch(ctx context.Context) (bool, error) {
	var t Toggle
	err := c.do(ctx, http.MethodPost, "/v1/safe-search", nil, &t)
	return t.Changed, err
}

// AddWebsite blocks site.
func (c *Client) AddWebsite(ctx context.Context, site string) error {
	return c.do(ctx, http.MethodPost, "/v1/websites", WebsiteRequest{Site: site}, nil)
}

// RemoveWebsite unblocks site.
func (c *Client) RemoveWebsite(ctx context.Context, site string) error {
	return c.do(ctx, http.MethodDelete, "/v1/websites?site="+url.QueryEscape(site), nil, nil)
}

// InstalledApps lists applications the user can block.
func (c *Client) InstalledApps(ctx context.Context) ([]domain.InstalledApp, error) {
	var apps []domain.InstalledApp
	err := c.do(ctx, http.MethodGet, "/v1/apps", nil, &apps)
	return apps, err
}

// CloseApp kills processName and waits for it to exit.
func (c *Client) CloseApp(ctx context.Context, processName string) (domain.CloseResult, error) {
	var result domain.CloseResult
	err := c.do(ctx, http.MethodPost, "/v1/apps/close", CloseRequest{ProcessName: processName}, &result)
	return result, err
}

// Prompt relays a UI prompt.
func (c *Client) Prompt(ctx context.Context, kind domain.EventKind, settingID string) error {
	return c.do(ctx, http.MethodPost, "/v1/prompts/"+url.PathEscape(string(kind)), PromptRequest{SettingID: settingID}, nil)
}

// Events calls fn for every notification until ctx is cancelled, the
// daemon closes the stream, or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxBodyBytes)
	for scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body ErrorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes)); err == nil && json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	return apiErr
}
