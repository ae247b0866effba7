package ble

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dk5en/mcapp/internal/mcerr"
)

// Pair and Unpair shell out to bluetoothctl, BlueZ's standard control CLI.
// Neither go-ble nor anything else in the retrieval pack exposes OS-level
// pairing/bonding — that's a BlueZ stack concern, not a GATT client concern
// — so this is the one place the BLE transport reaches outside the Go
// process (documented as a justified exec.Command use in DESIGN.md).
func (c *Client) Pair(ctx context.Context, addr string) error {
	out, err := exec.CommandContext(ctx, "bluetoothctl", "pair", addr).CombinedOutput()
	if err != nil {
		return mcerr.New(mcerr.TransientIO, "ble.pair", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}
	c.log.Info().Str("device", addr).Msg("ble device paired")
	return nil
}

func (c *Client) Unpair(ctx context.Context, addr string) error {
	out, err := exec.CommandContext(ctx, "bluetoothctl", "remove", addr).CombinedOutput()
	if err != nil {
		return mcerr.New(mcerr.TransientIO, "ble.unpair", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}
	c.log.Info().Str("device", addr).Msg("ble device unpaired")
	return nil
}
