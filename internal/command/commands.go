package command

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
	"github.com/dk5en/mcapp/internal/weather"
)

// simpleCommand adapts a closure to the Command interface; aliases and
// adminOnly default to none and false.
type simpleCommand struct {
	name      string
	aliases   []string
	adminOnly bool
	exec      func(ctx context.Context, inv Invocation) (Reply, error)
}

func (c *simpleCommand) Name() string      { return c.name }
func (c *simpleCommand) Aliases() []string { return c.aliases }
func (c *simpleCommand) AdminOnly() bool   { return c.adminOnly }
func (c *simpleCommand) Execute(ctx context.Context, inv Invocation) (Reply, error) {
	return c.exec(ctx, inv)
}

// NewWeatherCommand builds the !wx/!weather command: current conditions at
// the station's cached GPS location (populated by router's GPS cache hook).
func NewWeatherCommand(provider weather.Provider, gpsFix func() *router.GPSFix) Command {
	return &simpleCommand{
		name:    "wx",
		aliases: []string{"weather"},
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			fix := gpsFix()
			if fix == nil {
				return Reply{Text: "no station location known yet"}, nil
			}
			cur, err := provider.Current(ctx, fix.Lat, fix.Lon)
			if err != nil {
				return Reply{Text: "weather lookup unavailable"}, nil
			}
			return Reply{Text: fmt.Sprintf("%s %.1fC", cur.Summary, cur.TempC)}, nil
		},
	}
}

// NewMHeardCommand builds the !mheard/!mh command: the N most-recently
// heard stations.
func NewMHeardCommand(db *storage.DB, limit int) Command {
	if limit <= 0 {
		limit = 10
	}
	return &simpleCommand{
		name:    "mheard",
		aliases: []string{"mh"},
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			stations, err := db.RecentStations(ctx, limit)
			if err != nil {
				return Reply{}, err
			}
			if len(stations) == 0 {
				return Reply{Text: "no stations heard yet"}, nil
			}
			names := make([]string, 0, len(stations))
			for _, s := range stations {
				names = append(names, s.Callsign)
			}
			return Reply{Text: strings.Join(names, ", ")}, nil
		},
	}
}

// NewStatsCommand builds the !stats command: message-volume statistics
// over the given recent window.
func NewStatsCommand(db *storage.DB, window time.Duration) Command {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &simpleCommand{
		name: "stats",
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			since := time.Now().Add(-window).UnixMilli()
			stats, err := db.Stats(ctx, since)
			if err != nil {
				return Reply{}, err
			}
			types := make([]string, 0, len(stats.ByType))
			for t := range stats.ByType {
				types = append(types, t)
			}
			sort.Strings(types)
			parts := make([]string, 0, len(types))
			for _, t := range types {
				parts = append(parts, fmt.Sprintf("%s=%d", t, stats.ByType[t]))
			}
			return Reply{Text: fmt.Sprintf("total=%d %s", stats.Total, strings.Join(parts, " "))}, nil
		},
	}
}

// NewSearchCommand builds the !search <callsign> command: the most recent
// messages mentioning callsign.
func NewSearchCommand(db *storage.DB, limit int) Command {
	if limit <= 0 {
		limit = 5
	}
	return &simpleCommand{
		name: "search",
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			target := strings.ToUpper(strings.TrimSpace(inv.Args))
			if target == "" {
				return Reply{Text: "usage: !search <callsign>"}, nil
			}
			msgs, err := db.SearchMessages(ctx, target, limit)
			if err != nil {
				return Reply{}, err
			}
			if len(msgs) == 0 {
				return Reply{Text: fmt.Sprintf("no messages found for %s", target)}, nil
			}
			lines := make([]string, 0, len(msgs))
			for _, m := range msgs {
				lines = append(lines, fmt.Sprintf("%s>%s: %s", m.Src, m.Dst, m.Msg))
			}
			return Reply{Text: strings.Join(lines, " | ")}, nil
		},
	}
}

// NewPosCommand builds the !pos <callsign> command: the last known
// position of callsign.
func NewPosCommand(db *storage.DB) Command {
	return &simpleCommand{
		name: "pos",
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			target := strings.ToUpper(strings.TrimSpace(inv.Args))
			if target == "" {
				return Reply{Text: "usage: !pos <callsign>"}, nil
			}
			sp, err := db.StationByCallsign(ctx, target)
			if err != nil {
				return Reply{}, err
			}
			if sp == nil || sp.Lat == nil || sp.Lon == nil {
				return Reply{Text: fmt.Sprintf("no position known for %s", target)}, nil
			}
			return Reply{Text: fmt.Sprintf("%s: %.5f,%.5f", target, *sp.Lat, *sp.Lon)}, nil
		},
	}
}

// NewDiceCommand builds the !dice command: a Maxchen-rules dice roll
// (two six-sided dice, read larger-then-smaller digit; 2-1 is labelled
// Maxchen and doubles are labelled Pasch).
func NewDiceCommand() Command {
	return &simpleCommand{
		name: "dice",
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			a, err := rollD6()
			if err != nil {
				return Reply{}, err
			}
			b, err := rollD6()
			if err != nil {
				return Reply{}, err
			}
			hi, lo := a, b
			if lo > hi {
				hi, lo = lo, hi
			}
			face := fmt.Sprintf("%d-%d", hi, lo)
			if hi == 2 && lo == 1 {
				face = "2-1 (Maxchen!)"
			} else if hi == lo {
				face = fmt.Sprintf("%d-%d (Pasch)", hi, lo)
			}
			return Reply{Text: face}, nil
		},
	}
}

func rollD6() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(6))
	if err != nil {
		return 0, fmt.Errorf("rolling die: %w", err)
	}
	return int(n.Int64()) + 1, nil
}

// NewTimeCommand builds the !time command: the current time at the
// station, in the given location.
func NewTimeCommand(loc *time.Location) Command {
	if loc == nil {
		loc = time.UTC
	}
	return &simpleCommand{
		name: "time",
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			return Reply{Text: time.Now().In(loc).Format("2006-01-02 15:04:05 MST")}, nil
		},
	}
}

// NewTopicCommand builds the admin-only !topic command: group beacon
// management. "!topic <group> <text>" stores text as group's entry in
// topics; Args without both parts get a usage reply. The current topics
// are not listed.
func NewTopicCommand(topics map[string]string) Command {
	return &simpleCommand{
		name:      "topic",
		adminOnly: true,
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			fields := strings.SplitN(inv.Args, " ", 2)
			if len(fields) < 2 || fields[0] == "" {
				return Reply{Text: "usage: !topic <group> <text>"}, nil
			}
			group, text := fields[0], fields[1]
			topics[group] = text
			return Reply{Text: fmt.Sprintf("topic for %s set", group)}, nil
		},
	}
}

// KickBanList tracks callsigns the admin has banned from command handling.
// A kicked callsign's commands are dropped until unbanned. IsBanned is read
// on every inbound trigger while Ban/Unban run from the !kb command, so
// access is mutex-guarded.
type KickBanList struct {
	mu     sync.RWMutex
	banned map[string]bool
}

// NewKickBanList constructs an empty ban list.
func NewKickBanList() *KickBanList {
	return &KickBanList{banned: make(map[string]bool)}
}

// IsBanned reports whether callsign is currently banned.
func (k *KickBanList) IsBanned(callsign string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.banned[strings.ToUpper(callsign)]
}

// Ban adds callsign to the list.
func (k *KickBanList) Ban(callsign string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.banned[strings.ToUpper(callsign)] = true
}

// Unban removes callsign from the list.
func (k *KickBanList) Unban(callsign string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.banned, strings.ToUpper(callsign))
}

// NewKickBanCommand builds the admin-only !kb command: "!kb <callsign>"
// bans, "!kb -<callsign>" unbans.
func NewKickBanCommand(list *KickBanList) Command {
	return &simpleCommand{
		name:      "kb",
		adminOnly: true,
		exec: func(ctx context.Context, inv Invocation) (Reply, error) {
			target := strings.TrimSpace(inv.Args)
			if target == "" {
				return Reply{Text: "usage: !kb <callsign> | !kb -<callsign>"}, nil
			}
			if strings.HasPrefix(target, "-") {
				cs := strings.ToUpper(strings.TrimPrefix(target, "-"))
				list.Unban(cs)
				return Reply{Text: fmt.Sprintf("%s unbanned", cs)}, nil
			}
			cs := strings.ToUpper(target)
			list.Ban(cs)
			return Reply{Text: fmt.Sprintf("%s banned", cs)}, nil
		},
	}
}
