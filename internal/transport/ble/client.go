package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/mcerr"
	protocol "github.com/dk5en/mcapp/internal/protocol/ble"
)

// DeviceFactory creates the platform ble.Device; overridable in tests.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// notifyCharacteristicUUID and writeCharacteristicUUID identify the
// MeshCom GATT service's two characteristics: one for device-to-client
// notifications, one for client-to-device writes.
var (
	meshcomServiceUUID       = ble.MustParse("6E400001B5A3F393E0A9E50E24DCCA9E")
	notifyCharacteristicUUID = ble.MustParse("6E400003B5A3F393E0A9E50E24DCCA9E")
	writeCharacteristicUUID  = ble.MustParse("6E400002B5A3F393E0A9E50E24DCCA9E")
)

// NotificationHandler receives every parsed inbound GATT value.
type NotificationHandler func(n protocol.Notification)

var keepaliveInterval = 5 * time.Minute
var helloSettleDelay = 1 * time.Second
var backoffSchedule = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 60 * time.Second}
var registerQueryBackoff = []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// registerQueries are issued once per connection establishment, after the
// hello settle delay. `--seset`, `--wifiset`, `--weather`, `--analogset`
// are historical/optional and omitted by default; `--io` and `--tel` are
// always sent.
var registerQueries = []string{"--io", "--tel"}

// Client drives one BLE connection to a MeshCom node. The connection
// bookkeeping (atomic flags, callback-driven notification delivery) is
// grounded on the Options/atomic-connected/handler-callback shape used for
// this codebase's other long-lived transport clients; the explicit state
// enum and backoff timers are new, since a single boolean "connected" flag
// can't express five named states plus scheduled backoff.
type Client struct {
	log zerolog.Logger

	mu            sync.Mutex
	state         State
	deviceAddr    string
	client        ble.Client
	writeChar     *ble.Characteristic
	synced        bool // true once hello+settime has completed at least once for this device address
	reconnectGen  uint64
	backoffIdx    int // next backoffSchedule slot; reset on successful connect and explicit disconnect
	keepaliveStop chan struct{}

	notifyHandler atomic.Value // NotificationHandler
	statusHandler atomic.Value // StatusHandler

	lastActivity atomic.Int64 // unix millis
}

// StatusHandler receives a Status snapshot each time the client enters the
// connected, error or disconnected state; entering connecting or
// disconnecting is not reported.
type StatusHandler func(Status)

// New constructs an idle Client.
func New(log zerolog.Logger) *Client {
	return &Client{
		log:   log.With().Str("component", "ble-transport").Logger(),
		state: StateDisconnected,
	}
}

// SetNotificationHandler registers the callback for inbound notifications.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.notifyHandler.Store(h)
}

// SetStatusHandler registers the callback for state transitions.
func (c *Client) SetStatusHandler(h StatusHandler) {
	c.statusHandler.Store(h)
}

func (c *Client) notifyStatus() {
	if h, ok := c.statusHandler.Load().(StatusHandler); ok && h != nil {
		h(c.Snapshot())
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the time of the most recent notification or
// successful write, or the zero Time if none yet.
func (c *Client) LastActivity() time.Time {
	ms := c.lastActivity.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (c *Client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// Connect dials the device at addr, discovers the MeshCom service, and runs
// the connecting->connected transition's side effects: subscribe,
// hello, settle delay, set-time, register queries, keepalive.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateError {
		state := c.state
		c.mu.Unlock()
		return mcerr.New(mcerr.RemoteServiceConflict, "ble.connect", fmt.Errorf("cannot connect from state %s", state))
	}
	c.state = StateConnecting
	sameDevice := c.deviceAddr == addr && c.synced
	c.deviceAddr = addr
	myGen := c.reconnectGen
	c.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		c.transitionToError(myGen, err)
		c.scheduleReconnect(myGen)
		return mcerr.New(mcerr.BleDisconnected, "ble.device_factory", err)
	}
	ble.SetDefaultDevice(dev)

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cln, err := ble.Dial(dialCtx, ble.NewAddr(addr))
	if err != nil {
		c.transitionToError(myGen, err)
		c.scheduleReconnect(myGen)
		return mcerr.New(mcerr.BleDisconnected, "ble.dial", err)
	}

	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		c.transitionToError(myGen, err)
		c.scheduleReconnect(myGen)
		return mcerr.New(mcerr.BleDisconnected, "ble.discover_profile", err)
	}

	if profile.Find(ble.NewService(meshcomServiceUUID)) == nil {
		cln.CancelConnection()
		err := fmt.Errorf("device does not expose the meshcom GATT service")
		c.transitionToError(myGen, err)
		c.scheduleReconnect(myGen)
		return mcerr.New(mcerr.ProtocolViolation, "ble.discover_profile", err)
	}
	notifyChar := profile.Find(ble.NewCharacteristic(notifyCharacteristicUUID))
	writeChar := profile.Find(ble.NewCharacteristic(writeCharacteristicUUID))
	if notifyChar == nil || writeChar == nil {
		cln.CancelConnection()
		err := fmt.Errorf("meshcom service characteristics not found")
		c.transitionToError(myGen, err)
		c.scheduleReconnect(myGen)
		return mcerr.New(mcerr.ProtocolViolation, "ble.discover_profile", err)
	}
	nc, _ := notifyChar.(*ble.Characteristic)
	wc, _ := writeChar.(*ble.Characteristic)

	if err := cln.Subscribe(nc, false, func(data []byte) {
		c.touchActivity()
		n := protocol.ParseNotification(data)
		if !n.FCSOk && n.Format == protocol.FormatBinary {
			c.log.Warn().Str("device", addr).Msg("binary mesh frame FCS mismatch (delivering anyway, permissive mode)")
		}
		if h, ok := c.notifyHandler.Load().(NotificationHandler); ok && h != nil {
			h(n)
		}
	}); err != nil {
		cln.CancelConnection()
		c.transitionToError(myGen, err)
		c.scheduleReconnect(myGen)
		return mcerr.New(mcerr.BleDisconnected, "ble.subscribe", err)
	}

	c.mu.Lock()
	c.client = cln
	c.writeChar = wc
	c.state = StateConnected
	c.backoffIdx = 0
	c.mu.Unlock()

	go c.watchDisconnect(cln, myGen)

	settleDelay := helloSettleDelay
	if sameDevice {
		settleDelay = 0
	}
	if err := c.writeRaw(protocol.Hello()); err != nil {
		c.log.Warn().Err(err).Msg("hello write failed")
	}
	if settleDelay > 0 {
		time.Sleep(settleDelay)
	}
	if frame, err := protocol.SetTime(uint32(time.Now().Unix())); err == nil {
		if err := c.writeRaw(frame); err != nil {
			c.log.Warn().Err(err).Msg("settime write failed")
		}
	}

	c.mu.Lock()
	c.synced = true
	c.mu.Unlock()
	c.notifyStatus()

	go c.runRegisterQueries(myGen)
	c.startKeepalive(myGen)

	return nil
}

// watchDisconnect blocks on the ble.Client's Disconnected() channel and, on
// an involuntary drop, transitions to error and schedules auto-reconnect.
func (c *Client) watchDisconnect(cln ble.Client, gen uint64) {
	<-cln.Disconnected()

	c.mu.Lock()
	voluntary := c.state == StateDisconnecting
	c.mu.Unlock()
	if voluntary {
		return
	}

	c.transitionToError(gen, fmt.Errorf("involuntary GATT disconnect"))
	c.scheduleReconnect(gen)
}

func (c *Client) transitionToError(gen uint64, cause error) {
	c.mu.Lock()
	if c.reconnectGen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.stopKeepaliveLocked()
	c.mu.Unlock()
	c.notifyStatus()
	c.log.Error().Err(cause).Msg("ble connection entered error state")
}

// scheduleReconnect arranges one reconnect attempt after the next backoff
// delay ({5s,10s,20s,60s}). Every failure path — first-connect failures in
// Connect, involuntary GATT drops, failed writes — lands here, and a failed
// reconnect attempt schedules the next slot through the same path, so the
// chain runs until the schedule is exhausted, a connect succeeds (resetting
// the slot index), or an explicit Disconnect() bumps the generation.
func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if c.reconnectGen != gen {
		c.mu.Unlock()
		return // an explicit disconnect() cancelled this backoff
	}
	if c.backoffIdx >= len(backoffSchedule) {
		addr := c.deviceAddr
		c.mu.Unlock()
		c.log.Error().Str("device", addr).Msg("ble auto-reconnect exhausted all attempts")
		return
	}
	wait := backoffSchedule[c.backoffIdx]
	c.backoffIdx++
	addr := c.deviceAddr
	c.mu.Unlock()

	c.log.Warn().Str("device", addr).Dur("backoff", wait).Msg("ble reconnect scheduled")
	time.AfterFunc(wait, func() {
		c.mu.Lock()
		current := c.reconnectGen
		c.mu.Unlock()
		if current != gen {
			return
		}
		if err := c.Connect(context.Background(), addr); err != nil {
			c.log.Warn().Err(err).Str("device", addr).Msg("ble reconnect attempt failed")
		}
	})
}

// Disconnect transitions to disconnecting, tears down the GATT connection,
// and cancels any scheduled auto-reconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	c.reconnectGen++ // invalidates in-flight backoff/connect goroutines
	c.backoffIdx = 0
	cln := c.client
	c.stopKeepaliveLocked()
	c.mu.Unlock()

	var err error
	if cln != nil {
		err = cln.CancelConnection()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.client = nil
	c.writeChar = nil
	c.synced = false
	c.mu.Unlock()
	c.notifyStatus()

	return err
}

// writeRaw writes frame to the write characteristic, rejecting any frame
// exceeding the BLE MTU before attempting the write.
func (c *Client) writeRaw(frame []byte) error {
	if len(frame) > protocol.MTU {
		return mcerr.New(mcerr.ProtocolViolation, "ble.write", fmt.Errorf("frame of %d bytes exceeds MTU %d", len(frame), protocol.MTU))
	}

	c.mu.Lock()
	cln := c.client
	wc := c.writeChar
	gen := c.reconnectGen
	c.mu.Unlock()

	if cln == nil || wc == nil {
		// state conflict, not an I/O failure: the caller asked for a write
		// while no connection exists (surfaced as 409 over the remote service).
		return mcerr.New(mcerr.RemoteServiceConflict, "ble.write", fmt.Errorf("not connected"))
	}

	if err := cln.WriteCharacteristic(wc, frame, false); err != nil {
		c.transitionToError(gen, err)
		c.scheduleReconnect(gen)
		return mcerr.New(mcerr.BleDisconnected, "ble.write", err)
	}
	c.touchActivity()
	return nil
}

// SendTextCommand writes an 0xA0 text command (e.g. "--pos", user chat
// commands relayed as mesh sends).
func (c *Client) SendTextCommand(cmd string) error {
	frame, err := protocol.TextCommand(cmd)
	if err != nil {
		return mcerr.New(mcerr.ProtocolViolation, "ble.send_text", err)
	}
	return c.writeRaw(frame)
}

// SendMeshFrame writes a binary mesh payload frame.
func (c *Client) SendMeshFrame(subtype byte, payloadType, msgID, hopCount byte, payload []byte) error {
	frame, err := protocol.EncodeMeshFrame(subtype, payloadType, msgID, hopCount, payload)
	if err != nil {
		return mcerr.New(mcerr.ProtocolViolation, "ble.send_mesh_frame", err)
	}
	return c.writeRaw(frame)
}

// SendRaw writes an already-encoded frame (built with internal/protocol/ble's
// command encoders) to the device. Exposed for callers, such as the remote
// service's config/settime endpoints, that only need to build and forward a
// frame rather than drive the connection lifecycle.
func (c *Client) SendRaw(frame []byte) error {
	return c.writeRaw(frame)
}
