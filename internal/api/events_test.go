package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
)

func TestStreamEventsSendsInitialSnapshotThenLiveEvents(t *testing.T) {
	db, err := storage.Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open(:memory:) = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Append(context.Background(), storage.Message{
		Src: "DK5EN-1", Dst: "*", Msg: "history", Type: storage.TypeMsg, Timestamp: 1000,
	}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	rtr := router.New(zerolog.Nop())
	h := NewEventsHandler(rtr, db, nil)

	req := httptest.NewRequest("GET", "/events", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.StreamEvents(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	rtr.Publish(router.NewMeshEvent(router.TypeMeshMessage, "udp", router.MeshMessage{Src: "DK5EN-2", Msg: "live"}))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StreamEvents did not return after context cancellation")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: initial") {
		t.Error("stream missing the initial bootstrap snapshot event")
	}
	if !strings.Contains(body, "history") {
		t.Error("initial snapshot missing the stored message")
	}
	if !strings.Contains(body, "event: mesh_message") {
		t.Error("stream missing the live mesh_message event")
	}
	if !strings.Contains(body, "live") {
		t.Error("live event payload missing")
	}
}
