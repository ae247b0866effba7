// Package command implements the chat-command execution pipeline: parsing
// "!"-prefixed mesh messages, per-callsign throttling and duplicate
// suppression, admin authorization, and dispatch to individual command
// implementations. Each Command is a small interface, and routing,
// throttling, dedup, and reply delivery are orthogonal wrappers around the
// dispatch rather than spread across command mixins.
package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dk5en/mcapp/internal/router"
)

// Invocation is everything a Command needs to produce a Reply.
type Invocation struct {
	Callsign  string // src of the triggering message
	Dst       string // group or callsign the command was addressed to
	Args      string // text following the command name, trimmed
	Transport string // "udp" or "ble": the transport the trigger arrived on
}

// Reply is the synthetic outbound mesh message a Command produces.
type Reply struct {
	Group string // destination group/callsign; empty means reply to Dst
	Text  string
}

// Command is the dispatch-table unit: name, aliases, authorization,
// execute. Parsing is folded into Execute (commands parse their own Args)
// since none of the command set needs parsing separated from execution;
// authorization is the distinct AdminOnly method so the dispatcher can
// short-circuit admin-only commands before Execute runs.
type Command interface {
	// Name is the command word following "!", lowercase, without aliases.
	Name() string
	// Aliases lists additional trigger words besides Name.
	Aliases() []string
	// AdminOnly reports whether the caller's callsign must be in the
	// configured admin allow-list.
	AdminOnly() bool
	// Execute runs the command and returns the reply text to send back.
	Execute(ctx context.Context, inv Invocation) (Reply, error)
}

// Handler is the per-message entry point wired as a router.Subscribe
// callback on TypeMeshMessage. It owns the dispatch table and the
// throttle/dedup state.
type Handler struct {
	mu       sync.RWMutex
	commands map[string]Command // name/alias (lowercase) -> Command

	admins   map[string]bool
	callSign string
	groups   map[string]bool

	limiters   sync.Map // callsign -> *rate.Limiter
	rateN      int
	rateWindow time.Duration

	lastCmd     sync.Map // callsign+"|"+cmdName+"|"+args -> time.Time
	dedupWindow time.Duration

	banned func(callsign string) bool

	router *router.Router
	log    zerolog.Logger
}

// Options configures New.
type Options struct {
	CallSign           string
	MonitoredGroups    []string
	AdminCallsigns     []string
	CommandRateLimit   int
	CommandRateWindow  time.Duration
	CommandDedupWindow time.Duration
	// BanChecker, if set, reports whether a callsign is currently kicked
	// from command handling; see KickBanList.IsBanned.
	BanChecker func(callsign string) bool
	Router     *router.Router
	Log        zerolog.Logger
}

// New constructs a Handler with an empty dispatch table; callers Register
// the concrete Command implementations (wx, mheard, stats, ...).
func New(opts Options) *Handler {
	admins := make(map[string]bool, len(opts.AdminCallsigns))
	for _, a := range opts.AdminCallsigns {
		admins[strings.ToUpper(a)] = true
	}
	groups := make(map[string]bool, len(opts.MonitoredGroups))
	for _, g := range opts.MonitoredGroups {
		groups[g] = true
	}

	rateN := opts.CommandRateLimit
	if rateN <= 0 {
		rateN = 3
	}
	rateWindow := opts.CommandRateWindow
	if rateWindow <= 0 {
		rateWindow = 60 * time.Second
	}
	dedupWindow := opts.CommandDedupWindow
	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Second
	}

	return &Handler{
		commands:    make(map[string]Command),
		admins:      admins,
		callSign:    strings.ToUpper(opts.CallSign),
		groups:      groups,
		rateN:       rateN,
		rateWindow:  rateWindow,
		dedupWindow: dedupWindow,
		banned:      opts.BanChecker,
		router:      opts.Router,
		log:         opts.Log.With().Str("component", "command").Logger(),
	}
}

// Register adds cmd to the dispatch table under its name and aliases.
func (h *Handler) Register(cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands[cmd.Name()] = cmd
	for _, alias := range cmd.Aliases() {
		h.commands[alias] = cmd
	}
}

// HandleMeshEvent is the router.Handler subscribed to TypeMeshMessage. It
// recognizes "!"-prefixed triggers addressed to our callsign or a
// monitored group, applies throttle/dedup, authorizes admin-only commands,
// dispatches, and publishes the reply back through the router.
func (h *Handler) HandleMeshEvent(evt router.Event) {
	if evt.Mesh == nil {
		return
	}
	m := evt.Mesh

	// A locally-echoed frame is our own transmission coming back off the
	// radio; treating it as a trigger would loop command replies.
	if m.Echoed {
		return
	}
	if !h.isAddressedToUs(m.Dst) {
		return
	}
	if h.banned != nil && h.banned(m.Src) {
		return
	}
	name, args, ok := parseTrigger(m.Msg)
	if !ok {
		return
	}

	h.mu.RLock()
	cmd, found := h.commands[name]
	h.mu.RUnlock()
	if !found {
		return
	}

	if !h.allow(m.Src, name, args) {
		h.log.Debug().Str("callsign", m.Src).Str("command", name).Msg("command throttled or deduplicated, dropping silently")
		return
	}

	if cmd.AdminOnly() && !h.admins[strings.ToUpper(m.Src)] {
		h.log.Debug().Str("callsign", m.Src).Str("command", name).Msg("admin command rejected: caller not in allow-list")
		return
	}

	inv := Invocation{Callsign: m.Src, Dst: m.Dst, Args: args, Transport: evt.Source}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	reply, err := cmd.Execute(ctx, inv)
	cancel()
	if err != nil {
		h.log.Warn().Err(err).Str("callsign", m.Src).Str("command", name).Msg("command execution failed")
		return
	}
	if reply.Text == "" {
		return
	}

	h.deliver(inv, reply)
}

// isAddressedToUs reports whether dst is our callsign or a monitored group.
func (h *Handler) isAddressedToUs(dst string) bool {
	upper := strings.ToUpper(dst)
	if upper == h.callSign {
		return true
	}
	return h.groups[dst] || h.groups[upper]
}

// parseTrigger recognizes a "!name args" message and returns the lowercase
// command name and the trimmed remainder.
func parseTrigger(msg string) (name, args string, ok bool) {
	msg = strings.TrimSpace(msg)
	if !strings.HasPrefix(msg, "!") {
		return "", "", false
	}
	body := strings.TrimPrefix(msg, "!")
	if body == "" {
		return "", "", false
	}
	fields := strings.SplitN(body, " ", 2)
	name = strings.ToLower(fields[0])
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}
	return name, args, true
}

// allow applies the per-callsign token bucket and the 10s duplicate-command
// dedup window (same callsign, command and arguments). Returns false if the
// invocation should be silently dropped.
func (h *Handler) allow(callsign, cmdName, args string) bool {
	limiterAny, _ := h.limiters.LoadOrStore(callsign, rate.NewLimiter(rate.Limit(float64(h.rateN)/h.rateWindow.Seconds()), h.rateN))
	limiter := limiterAny.(*rate.Limiter)
	if !limiter.Allow() {
		return false
	}

	key := callsign + "|" + cmdName + "|" + args
	now := time.Now()
	if lastAny, ok := h.lastCmd.Load(key); ok {
		if last := lastAny.(time.Time); now.Sub(last) < h.dedupWindow {
			return false
		}
	}
	h.lastCmd.Store(key, now)
	return true
}

// deliver publishes the reply as an outbound mesh message via the router,
// preferring the transport the trigger arrived on. A
// command directed at our own callsign replies to the requester; a
// command directed at a monitored group replies to that group, so the
// whole group sees it.
func (h *Handler) deliver(inv Invocation, reply Reply) {
	group := reply.Group
	if group == "" {
		if strings.ToUpper(inv.Dst) == h.callSign {
			group = inv.Callsign
		} else {
			group = inv.Dst
		}
	}

	msg := router.MeshMessage{
		Src:       h.callSign,
		Dst:       group,
		Msg:       reply.Text,
		Kind:      "msg",
		Timestamp: time.Now().UnixMilli(),
	}

	outType := router.TypeUDPOutbound
	protocol := "udp"
	if inv.Transport == "ble" {
		outType = router.TypeBleOutbound
		protocol = "ble"
	}

	evt := router.NewMeshEvent(outType, "command", msg)
	if err := h.router.SendWithRetry(protocol, evt); err != nil {
		h.log.Error().Err(err).Str("protocol", protocol).Msg("failed to deliver command reply")
	}
}
