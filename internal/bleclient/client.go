// Package bleclient is the main daemon's half of the BLE split deployment:
// an HTTP/SSE client that talks to cmd/mcapp-bled's internal/bleservice
// surface instead of driving Bluetooth hardware directly. It follows
// internal/transport/udp's Options/constructor/MessageHandler-callback
// shape, adapted from a raw socket to an HTTP client with the call-level
// timeout and retry policy assigned to BLE-remote-service calls (15s per
// call, 2 retries with 1.5s delay on 409 or transport errors).
package bleclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/mcerr"
	bletransport "github.com/dk5en/mcapp/internal/transport/ble"
)

const (
	callTimeout  = 15 * time.Second
	retryDelay   = 1500 * time.Millisecond
	maxCallTries = 1 + 2 // one attempt plus 2 retries
)

// NotificationEvent mirrors internal/bleservice.NotificationEvent's wire
// shape. Kept as an independent type rather than importing bleservice (a
// separate process's package) so the two sides can evolve without a
// compile-time coupling beyond the JSON contract.
type NotificationEvent struct {
	Timestamp int64           `json:"timestamp"`
	RawBase64 string          `json:"raw_base64"`
	RawHex    string          `json:"raw_hex"`
	Format    string          `json:"format"`
	Prefix    string          `json:"prefix,omitempty"`
	FCSOk     *bool           `json:"fcs_ok,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

// NotificationHandler receives each BLE notification relayed by the remote
// service's SSE stream.
type NotificationHandler func(NotificationEvent)

// StatusHandler receives each BLE status event on the stream: the snapshot
// sent on connect and every later state transition.
type StatusHandler func(bletransport.Status)

// Options configures New.
type Options struct {
	BaseURL string // e.g. "http://ble-host:2982"
	APIKey  string
	Log     zerolog.Logger

	// HTTPClient overrides the client used for request/response calls;
	// nil uses a default client with callTimeout. Tests inject a fake
	// RoundTripper via this field.
	HTTPClient *http.Client
}

// Client is the HTTP/SSE counterpart to internal/transport/ble.Client,
// consumed when BLE_MODE=remote.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger

	notifyHandler atomic.Value // NotificationHandler
	statusHandler atomic.Value // StatusHandler
}

// New constructs a Client bound to baseURL.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    httpClient,
		log:     opts.Log.With().Str("component", "bleclient").Logger(),
	}
}

// SetNotificationHandler registers the callback for inbound notifications.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.notifyHandler.Store(h)
}

// SetStatusHandler registers the callback for status snapshots.
func (c *Client) SetStatusHandler(h StatusHandler) {
	c.statusHandler.Store(h)
}

// Status fetches the remote service's current BLE connection state.
func (c *Client) Status(ctx context.Context) (bletransport.Status, error) {
	var status bletransport.Status
	err := c.doJSON(ctx, http.MethodGet, "/api/ble/status", nil, &status)
	return status, err
}

// Connect asks the remote service to connect to a device by address or name.
func (c *Client) Connect(ctx context.Context, deviceAddress, deviceName string) error {
	body := map[string]string{"device_address": deviceAddress, "device_name": deviceName}
	return c.doJSON(ctx, http.MethodPost, "/api/ble/connect", body, nil)
}

// Disconnect asks the remote service to tear down the BLE connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/ble/disconnect", nil, nil)
}

// SendTextCommand relays a text command (e.g. "--pos", "--io") for the
// remote service to write as an 0xA0 frame.
func (c *Client) SendTextCommand(ctx context.Context, cmd string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/ble/send", map[string]string{"command": cmd}, nil)
}

// SendMessage relays an outbound mesh message to a group via the remote
// service's {message, group} send form.
func (c *Client) SendMessage(ctx context.Context, group, message string) error {
	body := map[string]string{"message": message, "group": group}
	return c.doJSON(ctx, http.MethodPost, "/api/ble/send", body, nil)
}

// SetTime asks the remote service to sync the device's clock.
func (c *Client) SetTime(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/ble/settime", nil, nil)
}

// doJSON issues one HTTP call with retry-on-409/transport-error semantics
// (2 retries, 1.5s delay), encoding body as JSON and decoding
// the response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return mcerr.New(mcerr.ProtocolViolation, "bleclient.encode", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxCallTries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		status, respBody, err := c.doOnce(callCtx, method, path, payload)
		cancel()

		if err != nil {
			lastErr = mcerr.New(mcerr.TransientIO, "bleclient.call", err)
			continue
		}
		if status == http.StatusConflict {
			lastErr = mcerr.New(mcerr.RemoteServiceConflict, "bleclient.call", fmt.Errorf("remote service busy (409) on %s %s", method, path))
			continue
		}
		if status >= 400 {
			return mcerr.New(classifyStatus(status), "bleclient.call", fmt.Errorf("%s %s: status %d: %s", method, path, status, string(respBody)))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return mcerr.New(mcerr.ProtocolViolation, "bleclient.decode", err)
			}
		}
		return nil
	}
	return lastErr
}

func classifyStatus(status int) mcerr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusNotFound || status == http.StatusBadRequest:
		return mcerr.ProtocolViolation
	default:
		return mcerr.TransientIO
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	// Correlates this call with the remote service's own request logging,
	// since every call is independently retried and otherwise
	// indistinguishable in a shared access log.
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// StreamNotifications connects to the remote service's SSE notification
// stream and delivers events to the registered handlers until ctx is
// cancelled. Reconnection is NOT handled here: callers (main.go) wrap this
// in their own reconnect loop, mirroring how internal/transport/ble.Client
// schedules its own reconnects rather than pushing that policy into the
// wire layer.
func (c *Client) StreamNotifications(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ble/notifications", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{} // no timeout: long-lived stream
	resp, err := streamClient.Do(req)
	if err != nil {
		return mcerr.New(mcerr.TransientIO, "bleclient.stream", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mcerr.New(mcerr.TransientIO, "bleclient.stream", fmt.Errorf("notification stream returned status %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			c.dispatchStreamEvent(eventName, []byte(data))
		case line == "":
			eventName = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return mcerr.New(mcerr.TransientIO, "bleclient.stream", err)
	}
	return nil
}

func (c *Client) dispatchStreamEvent(event string, data []byte) {
	switch event {
	case "notification":
		var n NotificationEvent
		if err := json.Unmarshal(data, &n); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed notification event")
			return
		}
		if h, ok := c.notifyHandler.Load().(NotificationHandler); ok && h != nil {
			h(n)
		}
	case "status":
		var s bletransport.Status
		if err := json.Unmarshal(data, &s); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed status event")
			return
		}
		if h, ok := c.statusHandler.Load().(StatusHandler); ok && h != nil {
			h(s)
		}
	case "ping":
		// keepalive, nothing to do
	}
}
