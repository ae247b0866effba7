// Package ble drives a MeshCom radio node over Bluetooth Low Energy GATT:
// connection lifecycle, keepalive, auto-reconnect, and extended register
// queries, built on the wire framing in internal/protocol/ble.
package ble

// State is one of the five connection states of the BLE connection state machine.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)
