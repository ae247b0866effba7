package router

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestSubscribePublishDelivery(t *testing.T) {
	r := New(zerolog.Nop())

	var got Event
	var called atomic.Bool
	r.Subscribe(TypeMeshMessage, func(e Event) {
		got = e
		called.Store(true)
	})

	evt := NewMeshEvent(TypeMeshMessage, "udp", MeshMessage{Src: "DK5EN-9", Msg: "hi"})
	r.Publish(evt)

	if !called.Load() {
		t.Fatal("expected subscriber to be called")
	}
	if got.Mesh.Src != "DK5EN-9" {
		t.Errorf("Mesh.Src = %q, want DK5EN-9", got.Mesh.Src)
	}
}

func TestPublishOrderMatchesSubscribeOrder(t *testing.T) {
	r := New(zerolog.Nop())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		r.Subscribe(TypeMeshMessage, func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	r.Publish(NewMeshEvent(TypeMeshMessage, "udp", MeshMessage{}))

	for i, v := range order {
		if v != i {
			t.Fatalf("dispatch order = %v, want strictly increasing from 0", order)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New(zerolog.Nop())

	var calls atomic.Int32
	unsub := r.Subscribe(TypeMeshMessage, func(Event) { calls.Add(1) })
	r.Publish(NewMeshEvent(TypeMeshMessage, "udp", MeshMessage{}))
	unsub()
	r.Publish(NewMeshEvent(TypeMeshMessage, "udp", MeshMessage{}))

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestPublishIsolatesPanickingSubscriber(t *testing.T) {
	r := New(zerolog.Nop())

	var secondCalled atomic.Bool
	r.Subscribe(TypeMeshMessage, func(Event) { panic("boom") })
	r.Subscribe(TypeMeshMessage, func(Event) { secondCalled.Store(true) })

	r.Publish(NewMeshEvent(TypeMeshMessage, "udp", MeshMessage{}))

	if !secondCalled.Load() {
		t.Fatal("expected second subscriber to run despite first panicking")
	}
}

func TestSendWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	r := New(zerolog.Nop())

	var attempts atomic.Int32
	r.RegisterProtocol("ble", func(Event) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	err := r.SendWithRetry("ble", NewMeshEvent(TypeBleOutbound, "router", MeshMessage{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSendWithRetryExhaustsAfterFourAttempts(t *testing.T) {
	r := New(zerolog.Nop())

	var attempts atomic.Int32
	r.RegisterProtocol("ble", func(Event) error {
		attempts.Add(1)
		return errors.New("permanent failure")
	})

	err := r.SendWithRetry("ble", NewMeshEvent(TypeBleOutbound, "router", MeshMessage{}))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts.Load() != 4 {
		t.Errorf("attempts = %d, want 4 (1 initial + 3 retries)", attempts.Load())
	}
}

func TestSendWithRetryUnknownProtocol(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.SendWithRetry("nonexistent", NewMeshEvent(TypeBleOutbound, "router", MeshMessage{}))
	if err == nil {
		t.Fatal("expected error for unregistered protocol")
	}
}

func TestQueryBLERegistersIssuesFixedCommandList(t *testing.T) {
	r := New(zerolog.Nop())

	var sent []string
	var mu sync.Mutex
	r.RegisterProtocol("ble", func(e Event) error {
		mu.Lock()
		sent = append(sent, e.Mesh.Msg)
		mu.Unlock()
		return nil
	})

	if err := r.QueryBLERegisters(false, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"--settime", "--io", "--tel"}
	if len(sent) != len(want) {
		t.Fatalf("sent = %v, want %v", sent, want)
	}
	for i, w := range want {
		if sent[i] != w {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], w)
		}
	}
}

func TestQueryBLERegistersSkipsSettimeWhenNotSyncing(t *testing.T) {
	r := New(zerolog.Nop())

	var sent []string
	r.RegisterProtocol("ble", func(e Event) error {
		sent = append(sent, e.Mesh.Msg)
		return nil
	})

	if err := r.QueryBLERegisters(false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 2 || sent[0] != "--io" || sent[1] != "--tel" {
		t.Errorf("sent = %v, want [--io --tel]", sent)
	}
}

func TestGPSCacheHookUpdatesFromGTypeNotification(t *testing.T) {
	r := New(zerolog.Nop())

	if r.GPSFix() != nil {
		t.Fatal("expected nil GPS fix before any notification")
	}

	r.Publish(NewBleNotificationEvent("ble", BleNotificationPayload{
		Format: "json",
		JSON:   []byte(`{"type":"G","lat":48.1,"lon":11.5}`),
	}))

	fix := r.GPSFix()
	if fix == nil {
		t.Fatal("expected GPS fix to be set")
	}
	if fix.Lat != 48.1 || fix.Lon != 11.5 {
		t.Errorf("fix = %+v, want lat=48.1 lon=11.5", fix)
	}
}

func TestGPSCacheHookIgnoresNonGTypeNotification(t *testing.T) {
	r := New(zerolog.Nop())
	r.Publish(NewBleNotificationEvent("ble", BleNotificationPayload{
		Format: "json",
		JSON:   []byte(`{"type":"T","temp":21.5}`),
	}))
	if r.GPSFix() != nil {
		t.Error("expected GPS fix to remain unset for non-G notification")
	}
}
