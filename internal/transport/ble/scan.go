package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/dk5en/mcapp/internal/mcerr"
)

// Discovered is one advertising device observed during a Scan.
type Discovered struct {
	Name    string
	Address string
	RSSI    int
}

// Scan performs a passive BLE scan for the given duration, returning every
// distinct address seen whose advertised local name starts with prefix
// (prefix == "" matches everything). Refused with RemoteServiceConflict if
// the client already holds a connection, mirroring the "scan-while-connected"
// 409 from the remote service's HTTP surface.
func (c *Client) Scan(ctx context.Context, timeout time.Duration, prefix string) ([]Discovered, error) {
	c.mu.Lock()
	busy := c.state != StateDisconnected && c.state != StateError
	c.mu.Unlock()
	if busy {
		return nil, mcerr.New(mcerr.RemoteServiceConflict, "ble.scan", fmt.Errorf("cannot scan while %s", c.State()))
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, mcerr.New(mcerr.BleDisconnected, "ble.scan.device_factory", err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Discovered)

	err = ble.Scan(scanCtx, true, func(a ble.Advertisement) {
		name := a.LocalName()
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return
		}
		addr := a.Addr().String()
		mu.Lock()
		seen[addr] = Discovered{Name: name, Address: addr, RSSI: a.RSSI()}
		mu.Unlock()
	}, nil)
	if err != nil && err != context.DeadlineExceeded && scanCtx.Err() == nil {
		return nil, mcerr.New(mcerr.TransientIO, "ble.scan", err)
	}

	out := make([]Discovered, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// ResolveName scans for timeout looking for a device whose local name
// equals name exactly, returning its address. Used by /api/ble/connect when
// the caller supplies device_name instead of device_address.
func (c *Client) ResolveName(ctx context.Context, name string, timeout time.Duration) (string, error) {
	found, err := c.Scan(ctx, timeout, "")
	if err != nil {
		return "", err
	}
	for _, d := range found {
		if d.Name == name {
			return d.Address, nil
		}
	}
	return "", mcerr.New(mcerr.ProtocolViolation, "ble.resolve_name", fmt.Errorf("no device advertising name %q seen within %s", name, timeout))
}
