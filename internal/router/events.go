// Package router is the in-process pub/sub switchboard between the
// transports (UDP, BLE), storage, the command handler, and the SSE gateway.
// It carries a typed event variant end to end instead of a free-form bag.
package router

import "time"

// Type is the closed set of event topics a subscriber can register for.
type Type string

const (
	// TypeMeshMessage is published by cmd/mcapp's ingest glue for every
	// inbound mesh chat frame, from UDP and from BLE chat notifications,
	// after it has been stored. Consumed by the SSE gateway and the command
	// handler.
	TypeMeshMessage Type = "mesh_message"
	// TypeBleNotification is published by the BLE transport (relayed from
	// the remote service) for every decoded GATT notification. Consumed by
	// cmd/mcapp's BLE persistence subscriber (storage), the SSE gateway, and
	// the GPS cache hook.
	TypeBleNotification Type = "ble_notification"
	// TypeBleStatus is published on BLE connection state transitions.
	// Consumed by the SSE gateway.
	TypeBleStatus Type = "ble_status"
	// TypeSSEMessage is published by any component that wants to push an
	// arbitrary payload to SSE subscribers (e.g. a command reply already
	// delivered to the mesh, a station update). Consumed by the SSE gateway
	// for websocket/sse fan-out.
	TypeSSEMessage Type = "sse_message"
	// TypeBleOutbound carries a message the router wants sent out over BLE.
	// Consumed by the protocol handler registered under "ble".
	TypeBleOutbound Type = "ble_message"
	// TypeUDPOutbound carries a message the router wants sent out over UDP.
	// Consumed by the protocol handler registered under "udp".
	TypeUDPOutbound Type = "udp_message"
)

// MeshMessage is the normalized mesh frame payload carried by
// mesh_message, ble_message, and udp_message events.
type MeshMessage struct {
	MsgID     string
	Src       string
	Dst       string
	Msg       string
	Kind      string // "msg", "pos", "ack"
	Timestamp int64
	RSSI      *float64
	SNR       *float64

	// Echoed marks an inbound frame recognized as the radio's rebroadcast
	// of our own recent send: stored and fanned out to SSE clients, but
	// never re-queued outbound and never treated as a command trigger.
	Echoed bool
}

// BleNotificationPayload carries a decoded BLE GATT notification, mirroring
// internal/protocol/ble.Notification without importing it (the router stays
// independent of the wire codec package; transports decode before publishing).
type BleNotificationPayload struct {
	Format      string
	Raw         []byte
	JSON        []byte
	Prefix      byte
	PayloadType byte
	MsgID       byte
	HopCount    byte
	Payload     []byte
	FCSOk       bool
}

// BleStatusPayload carries a BLE connection state transition.
type BleStatusPayload struct {
	State         string
	DeviceAddress string
	LastActivity  time.Time
	Synced        bool
}

// SSEPayload is an arbitrary JSON-able payload destined for SSE fan-out.
type SSEPayload struct {
	Kind string
	Data any
}

// Event is the single typed envelope published through the Router. Exactly
// one of Mesh, Ble, Status, SSE is set, selected by Type.
type Event struct {
	Type      Type
	Source    string // "udp", "ble", "router", "command", "api"
	Timestamp int64

	Mesh   *MeshMessage
	Ble    *BleNotificationPayload
	Status *BleStatusPayload
	SSE    *SSEPayload
}

// NewMeshEvent builds a mesh_message/ble_message/udp_message event.
func NewMeshEvent(t Type, source string, m MeshMessage) Event {
	return Event{Type: t, Source: source, Timestamp: time.Now().UnixMilli(), Mesh: &m}
}

// NewBleNotificationEvent builds a ble_notification event.
func NewBleNotificationEvent(source string, b BleNotificationPayload) Event {
	return Event{Type: TypeBleNotification, Source: source, Timestamp: time.Now().UnixMilli(), Ble: &b}
}

// NewBleStatusEvent builds a ble_status event.
func NewBleStatusEvent(source string, s BleStatusPayload) Event {
	return Event{Type: TypeBleStatus, Source: source, Timestamp: time.Now().UnixMilli(), Status: &s}
}

// NewSSEEvent builds an sse_message event.
func NewSSEEvent(source string, p SSEPayload) Event {
	return Event{Type: TypeSSEMessage, Source: source, Timestamp: time.Now().UnixMilli(), SSE: &p}
}
