// Package udp implements the bidirectional JSON/UDP transport to the radio
// node: one JSON object per datagram, with
// the radio's double-stringify quirk unwrapped on ingress and reapplied on
// egress.
package udp

import (
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/mcerr"
)

// MessageType mirrors the closed set carried on the wire.
type MessageType string

const (
	TypeMsg MessageType = "msg"
	TypePos MessageType = "pos"
	TypeAck MessageType = "ack"
)

// Frame is the JSON shape exchanged with the radio.
type Frame struct {
	Src       string      `json:"src"`
	Dst       string      `json:"dst"`
	Msg       string      `json:"msg"`
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	RSSI      *float64    `json:"rssi,omitempty"`
	SNR       *float64    `json:"snr,omitempty"`
}

// MessageHandler is invoked with each decoded inbound frame and the peer it
// arrived from.
type MessageHandler func(f Frame, from *net.UDPAddr)

// Options configures Listen.
type Options struct {
	ListenPort int
	TargetAddr string // host:port of the radio node, for Send
	Log        zerolog.Logger
}

// Transport is a bound UDP socket paired with a configured target address.
// Shaped after the connect/handler/atomic-connected/close pattern used for
// other long-lived network clients in this codebase, adapted from a
// persistent-connection client to a connectionless socket: "connected"
// here means "the listening socket is open", not that a TCP-style session
// with the peer exists.
type Transport struct {
	conn      *net.UDPConn
	target    *net.UDPAddr
	log       zerolog.Logger
	connected atomic.Bool
	handler   atomic.Value // MessageHandler

	closed chan struct{}
}

// Listen binds the UDP socket and begins the receive loop in a background
// goroutine. Call SetMessageHandler before or after Listen; frames that
// arrive before a handler is set are dropped.
func Listen(opts Options) (*Transport, error) {
	addr := &net.UDPAddr{Port: opts.ListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, mcerr.New(mcerr.TransientIO, "udp.listen", err)
	}

	var target *net.UDPAddr
	if opts.TargetAddr != "" {
		target, err = net.ResolveUDPAddr("udp", opts.TargetAddr)
		if err != nil {
			conn.Close()
			return nil, mcerr.New(mcerr.ConfigInvalid, "udp.resolve_target", err)
		}
	}

	t := &Transport{
		conn:   conn,
		target: target,
		log:    opts.Log.With().Str("component", "udp-transport").Logger(),
		closed: make(chan struct{}),
	}
	t.connected.Store(true)

	go t.receiveLoop()

	return t, nil
}

// SetMessageHandler registers the callback invoked for each inbound frame.
func (t *Transport) SetMessageHandler(h MessageHandler) {
	t.handler.Store(h)
}

func (t *Transport) receiveLoop() {
	buf := make([]byte, 8192)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.log.Warn().Err(err).Msg("udp read failed")
			continue
		}

		f, err := decodeFrame(buf[:n])
		if err != nil {
			t.log.Warn().Err(err).Str("peer", from.String()).Msg("dropping malformed udp datagram")
			continue
		}

		if h, ok := t.handler.Load().(MessageHandler); ok && h != nil {
			h(f, from)
		}
	}
}

// decodeFrame unwraps the radio's one layer of JSON double-stringification
// if present, then parses the frame.
func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err == nil && f.Src != "" {
		return f, nil
	}

	// raw was a JSON string containing JSON text; unwrap one layer.
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return Frame{}, fmt.Errorf("decoding datagram: %w", err)
	}
	if err := json.Unmarshal([]byte(inner), &f); err != nil {
		return Frame{}, fmt.Errorf("decoding unwrapped datagram: %w", err)
	}
	return f, nil
}

// Send pacer is applied by the caller (internal/router or internal/validate)
// before calling Send; the transport itself never retries a failed send,
// since mesh delivery is best-effort.
func (t *Transport) Send(f Frame) error {
	if t.target == nil {
		return mcerr.New(mcerr.ConfigInvalid, "udp.send", fmt.Errorf("no target address configured"))
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return mcerr.New(mcerr.ProtocolViolation, "udp.send.marshal", err)
	}
	// apply the radio's expected double-stringify on egress
	wrapped, err := json.Marshal(string(payload))
	if err != nil {
		return mcerr.New(mcerr.ProtocolViolation, "udp.send.wrap", err)
	}

	if _, err := t.conn.WriteToUDP(wrapped, t.target); err != nil {
		t.log.Error().Err(err).Msg("udp send failed")
		return mcerr.New(mcerr.TransientIO, "udp.send.write", err)
	}
	return nil
}

// Close shuts down the listening socket.
func (t *Transport) Close() error {
	t.connected.Store(false)
	close(t.closed)
	return t.conn.Close()
}

// Connected reports whether the listening socket is open.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}
