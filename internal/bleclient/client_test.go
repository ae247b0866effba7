package bleclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/mcerr"
	bletransport "github.com/dk5en/mcapp/internal/transport/ble"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Options{BaseURL: srv.URL, APIKey: "test-key", Log: zerolog.Nop()})
	return c, srv
}

func TestStatusDecodesResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ble/status" {
			t.Errorf("path = %q, want /api/ble/status", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing or wrong X-API-Key header: %q", r.Header.Get("X-API-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"state":"connected","device_address":"AA:BB","synced":true}`)
	})

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if status.State != "connected" || !status.Synced {
		t.Errorf("status = %+v, want state=connected synced=true", status)
	}
}

func TestConnectSendsDeviceFields(t *testing.T) {
	var gotBody map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Connect(context.Background(), "AA:BB:CC", "meshcom-1"); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if gotBody["device_address"] != "AA:BB:CC" || gotBody["device_name"] != "meshcom-1" {
		t.Errorf("body = %v, want device_address/device_name set", gotBody)
	}
}

func TestDoJSONRetriesOnConflictThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c.http.Timeout = 2 * time.Second

	if err := c.SendTextCommand(context.Background(), "--pos"); err != nil {
		t.Fatalf("SendTextCommand() = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDoJSONExhaustsRetriesOnPersistentConflict(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	})

	err := c.SendTextCommand(context.Background(), "--pos")
	if err == nil {
		t.Fatal("expected error after exhausting retries on persistent 409")
	}
	if kind, ok := mcerr.KindOf(err); !ok || kind != mcerr.RemoteServiceConflict {
		t.Errorf("error kind = %v (ok=%v), want RemoteServiceConflict", kind, ok)
	}
	if calls.Load() != maxCallTries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxCallTries)
	}
}

func TestDoJSONReturnsProtocolViolationOn400(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad request"}`)
	})

	err := c.SendTextCommand(context.Background(), "--pos")
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
	if kind, ok := mcerr.KindOf(err); !ok || kind != mcerr.ProtocolViolation {
		t.Errorf("error kind = %v (ok=%v), want ProtocolViolation", kind, ok)
	}
}

func TestStreamNotificationsDispatchesNotificationEvent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: status\ndata: {\"state\":\"connected\",\"synced\":true}\n\n")
		fmt.Fprint(w, "event: notification\ndata: {\"timestamp\":1,\"format\":\"json\",\"raw_base64\":\"AA==\"}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
	})

	var gotNotification NotificationEvent
	var gotStatus bletransport.Status
	var notifyCount, statusCount atomic.Int32

	c.SetNotificationHandler(func(n NotificationEvent) {
		gotNotification = n
		notifyCount.Add(1)
	})
	c.SetStatusHandler(func(s bletransport.Status) {
		gotStatus = s
		statusCount.Add(1)
	})

	if err := c.StreamNotifications(context.Background()); err != nil {
		t.Fatalf("StreamNotifications() = %v", err)
	}
	if notifyCount.Load() != 1 {
		t.Fatalf("notifyCount = %d, want 1", notifyCount.Load())
	}
	if gotNotification.Format != "json" || gotNotification.RawBase64 != "AA==" {
		t.Errorf("notification = %+v, want format=json raw_base64=AA==", gotNotification)
	}
	if statusCount.Load() != 1 || gotStatus.State != bletransport.StateConnected || !gotStatus.Synced {
		t.Errorf("status = %+v (count=%d), want state=connected synced=true", gotStatus, statusCount.Load())
	}
}
