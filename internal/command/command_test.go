package command

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
	"github.com/dk5en/mcapp/internal/weather"
)

func testHandler(t *testing.T, opts Options) (*Handler, *router.Router) {
	t.Helper()
	r := router.New(zerolog.Nop())
	if opts.Router == nil {
		opts.Router = r
	}
	if opts.CallSign == "" {
		opts.CallSign = "DK5EN-9"
	}
	opts.Log = zerolog.Nop()
	return New(opts), r
}

func triggerEvent(src, dst, msg string) router.Event {
	return router.NewMeshEvent(router.TypeMeshMessage, "udp", router.MeshMessage{Src: src, Dst: dst, Msg: msg})
}

func TestDispatchesRegisteredCommand(t *testing.T) {
	h, r := testHandler(t, Options{})
	h.Register(NewTimeCommand(nil))

	var replies []router.Event
	r.RegisterProtocol("udp", func(e router.Event) error {
		replies = append(replies, e)
		return nil
	})

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!time"))

	if len(replies) != 1 {
		t.Fatalf("len(replies) = %d, want 1", len(replies))
	}
	if replies[0].Mesh.Dst != "DK5EN-1" {
		t.Errorf("reply dst = %q, want DK5EN-1", replies[0].Mesh.Dst)
	}
}

func TestIgnoresMessagesNotAddressedToUs(t *testing.T) {
	h, r := testHandler(t, Options{})
	h.Register(NewTimeCommand(nil))

	var called bool
	r.RegisterProtocol("udp", func(router.Event) error { called = true; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "SOMEONE-ELSE", "!time"))
	if called {
		t.Error("expected no reply for message not addressed to us")
	}
}

func TestIgnoresMessagesWithoutBangPrefix(t *testing.T) {
	h, r := testHandler(t, Options{})
	h.Register(NewTimeCommand(nil))

	var called bool
	r.RegisterProtocol("udp", func(router.Event) error { called = true; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "time please"))
	if called {
		t.Error("expected no reply for a message lacking the ! trigger")
	}
}

func TestDuplicateCommandWithinWindowIsDropped(t *testing.T) {
	h, r := testHandler(t, Options{CommandDedupWindow: time.Minute})
	h.Register(NewTimeCommand(nil))

	var count int
	r.RegisterProtocol("udp", func(router.Event) error { count++; return nil })

	evt := triggerEvent("DK5EN-1", "DK5EN-9", "!time")
	h.HandleMeshEvent(evt)
	h.HandleMeshEvent(evt)

	if count != 1 {
		t.Errorf("count = %d, want 1 (second invocation should be deduped)", count)
	}
}

func TestRateLimitThrottlesExcessCommands(t *testing.T) {
	h, r := testHandler(t, Options{CommandRateLimit: 1, CommandRateWindow: time.Hour, CommandDedupWindow: time.Nanosecond})
	h.Register(NewTimeCommand(nil))

	var count int
	r.RegisterProtocol("udp", func(router.Event) error { count++; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!time"))
	time.Sleep(2 * time.Millisecond)
	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!time one"))

	if count != 1 {
		t.Errorf("count = %d, want 1 (second call should be rate-limited)", count)
	}
}

func TestAdminOnlyCommandRejectsNonAdmin(t *testing.T) {
	h, r := testHandler(t, Options{AdminCallsigns: []string{"DK5EN-1"}})
	topics := map[string]string{}
	h.Register(NewTopicCommand(topics))

	var called bool
	r.RegisterProtocol("udp", func(router.Event) error { called = true; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-2", "DK5EN-9", "!topic mygroup hello"))
	if called {
		t.Error("expected non-admin caller to be rejected")
	}
	if len(topics) != 0 {
		t.Error("expected topic map unchanged")
	}
}

func TestAdminOnlyCommandAllowsAdmin(t *testing.T) {
	h, r := testHandler(t, Options{AdminCallsigns: []string{"DK5EN-1"}})
	topics := map[string]string{}
	h.Register(NewTopicCommand(topics))

	var called bool
	r.RegisterProtocol("udp", func(router.Event) error { called = true; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!topic mygroup hello there"))
	if !called {
		t.Fatal("expected admin caller to be allowed")
	}
	if topics["mygroup"] != "hello there" {
		t.Errorf("topics[mygroup] = %q, want %q", topics["mygroup"], "hello there")
	}
}

func TestBannedCallsignIsIgnored(t *testing.T) {
	list := NewKickBanList()
	list.Ban("DK5EN-1")

	h, r := testHandler(t, Options{BanChecker: list.IsBanned})
	h.Register(NewTimeCommand(nil))

	var called bool
	r.RegisterProtocol("udp", func(router.Event) error { called = true; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!time"))
	if called {
		t.Error("expected banned callsign's command to be ignored")
	}
}

func TestWeatherCommandUsesCachedGPSFix(t *testing.T) {
	fix := &router.GPSFix{Lat: 48.1, Lon: 11.5}
	provider := fakeProvider{summary: "clear", temp: 20}
	h, r := testHandler(t, Options{})
	h.Register(NewWeatherCommand(provider, func() *router.GPSFix { return fix }))

	var replyText string
	r.RegisterProtocol("udp", func(e router.Event) error { replyText = e.Mesh.Msg; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!wx"))
	if replyText != "clear 20.0C" {
		t.Errorf("reply = %q, want %q", replyText, "clear 20.0C")
	}
}

func TestWeatherCommandWithoutFixReportsUnknown(t *testing.T) {
	h, r := testHandler(t, Options{})
	h.Register(NewWeatherCommand(weather.NopProvider{}, func() *router.GPSFix { return nil }))

	var replyText string
	r.RegisterProtocol("udp", func(e router.Event) error { replyText = e.Mesh.Msg; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!weather"))
	if replyText == "" {
		t.Error("expected a reply even with no cached fix")
	}
}

func TestMHeardCommandListsRecentStations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.UpsertStationSignal(ctx, "DK5EN-1", -70, 8, 1000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}

	h, r := testHandler(t, Options{})
	h.Register(NewMHeardCommand(db, 10))

	var replyText string
	r.RegisterProtocol("udp", func(e router.Event) error { replyText = e.Mesh.Msg; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-2", "DK5EN-9", "!mh"))
	if replyText != "DK5EN-1" {
		t.Errorf("reply = %q, want DK5EN-1", replyText)
	}
}

func TestSearchCommandRequiresArgument(t *testing.T) {
	db := openTestDB(t)
	h, r := testHandler(t, Options{})
	h.Register(NewSearchCommand(db, 5))

	var replyText string
	r.RegisterProtocol("udp", func(e router.Event) error { replyText = e.Mesh.Msg; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-2", "DK5EN-9", "!search"))
	if replyText != "usage: !search <callsign>" {
		t.Errorf("reply = %q, want usage message", replyText)
	}
}

func TestDiceCommandReturnsValidFace(t *testing.T) {
	h, r := testHandler(t, Options{})
	h.Register(NewDiceCommand())

	var replyText string
	r.RegisterProtocol("udp", func(e router.Event) error { replyText = e.Mesh.Msg; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-2", "DK5EN-9", "!dice"))
	if replyText == "" {
		t.Error("expected a non-empty dice reply")
	}
}

func TestKickBanCommandBansAndUnbans(t *testing.T) {
	list := NewKickBanList()
	h, r := testHandler(t, Options{AdminCallsigns: []string{"DK5EN-1"}})
	h.Register(NewKickBanCommand(list))

	var replyText string
	r.RegisterProtocol("udp", func(e router.Event) error { replyText = e.Mesh.Msg; return nil })

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!kb DK5EN-5"))
	if !list.IsBanned("DK5EN-5") {
		t.Fatal("expected DK5EN-5 to be banned")
	}
	if replyText == "" {
		t.Error("expected a confirmation reply")
	}

	h.HandleMeshEvent(triggerEvent("DK5EN-1", "DK5EN-9", "!kb -DK5EN-5"))
	if list.IsBanned("DK5EN-5") {
		t.Error("expected DK5EN-5 to be unbanned")
	}
}

type fakeProvider struct {
	summary string
	temp    float64
}

func (f fakeProvider) Current(ctx context.Context, lat, lon float64) (weather.Current, error) {
	return weather.Current{Summary: f.summary, TempC: f.temp}, nil
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open(:memory:) = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
