// Package metrics holds the process-wide Prometheus instruments, registered
// on the default registry and served by the /metrics endpoint of whichever
// binary imports them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesStored counts mesh frames appended to storage, by transport
	// and message type.
	MessagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcapp_messages_stored_total",
		Help: "Mesh frames appended to the message store.",
	}, []string{"transport", "type"})

	// MessagesDeduplicated counts inbound frames dropped by the dedup
	// window. Duplicates are not delivered to subscribers but are counted.
	MessagesDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcapp_messages_deduplicated_total",
		Help: "Inbound frames dropped as duplicates within the dedup window.",
	}, []string{"transport"})

	// MessagesEchoSuppressed counts inbound frames recognized as the
	// radio's rebroadcast of our own sends. They are stored and fanned out
	// to SSE clients, never re-queued outbound.
	MessagesEchoSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcapp_messages_echo_suppressed_total",
		Help: "Inbound frames recognized as echoes of our own transmissions.",
	}, []string{"transport"})

	// MessagesQuarantined counts frames routed to the quarantine group for
	// failing the APRS-safe byte check.
	MessagesQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcapp_messages_quarantined_total",
		Help: "Inbound frames routed to the quarantine group.",
	}, []string{"transport"})

	// BleNotifications counts decoded BLE GATT notifications by format and
	// FCS outcome ("ok", "bad", or "n/a" for non-binary frames).
	BleNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcapp_ble_notifications_total",
		Help: "BLE GATT notifications received, by format and FCS outcome.",
	}, []string{"format", "fcs"})

	// OutboundSends counts outbound mesh transmissions by protocol and result.
	OutboundSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcapp_outbound_sends_total",
		Help: "Outbound mesh send attempts, by protocol and result.",
	}, []string{"protocol", "result"})
)

// FCSLabel maps a binary notification's FCS flag onto the label set used by
// BleNotifications.
func FCSLabel(format string, fcsOK bool) string {
	if format != "binary" {
		return "n/a"
	}
	if fcsOK {
		return "ok"
	}
	return "bad"
}
