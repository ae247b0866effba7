package ble

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MTU is the BLE GATT MTU this protocol targets. Any frame whose total
// length exceeds MTU MUST be rejected before write.
const MTU = 247

// NotificationFormat classifies a decoded inbound GATT value.
type NotificationFormat string

const (
	FormatJSON    NotificationFormat = "json"
	FormatBinary  NotificationFormat = "binary"
	FormatUnknown NotificationFormat = "unknown"
)

// Notification is a parsed inbound GATT characteristic value.
type Notification struct {
	Format      NotificationFormat
	Raw         []byte
	JSON        []byte // present when Format == FormatJSON: the JSON payload with the 'D' prefix stripped
	Prefix      byte   // present when Format == FormatBinary: '@' subtype byte (':' , '!', or 'A')
	PayloadType byte
	MsgID       byte
	HopCount    byte
	Payload     []byte
	FCSOk       bool
}

// ParseNotification classifies and, where possible, decodes a raw GATT
// notification value per the device's binary/JSON framing rules.
func ParseNotification(raw []byte) Notification {
	if len(raw) == 0 {
		return Notification{Format: FormatUnknown, Raw: raw}
	}

	if raw[0] == 'D' {
		return Notification{Format: FormatJSON, Raw: raw, JSON: raw[1:]}
	}

	if raw[0] == '@' {
		return parseBinaryFrame(raw)
	}

	return Notification{Format: FormatUnknown, Raw: raw}
}

func parseBinaryFrame(raw []byte) Notification {
	n := Notification{Format: FormatBinary, Raw: raw}
	if len(raw) < 2 {
		return n
	}
	n.Prefix = raw[1]

	if raw[1] == 'A' {
		// ACK frame: "@A" + ack fields + 2-byte FCS. We don't know the
		// field layout beyond the trailing FCS, so validate what we can.
		if len(raw) >= 2+2 {
			body := raw[:len(raw)-2]
			want := binary.LittleEndian.Uint16(raw[len(raw)-2:])
			n.FCSOk = CRC16CCITT(body) == want
		}
		return n
	}

	// binary mesh payload: '@' + subtype(':' or '!') + 2-byte header
	// (payload_type, msg_id, hop_count packed as 3 bytes per the table —
	// payload_type/msg_id/hop_count are each single bytes) + payload + 2-byte FCS.
	const headerLen = 2 + 3 // '@' + subtype + payload_type + msg_id + hop_count
	if len(raw) < headerLen+2 {
		return n
	}
	n.PayloadType = raw[2]
	n.MsgID = raw[3]
	n.HopCount = raw[4]
	n.Payload = raw[headerLen : len(raw)-2]

	body := raw[:len(raw)-2]
	want := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	n.FCSOk = CRC16CCITT(body) == want

	return n
}

// EncodeMeshFrame builds an outbound binary mesh frame ('@' + subtype +
// header + payload + little-endian FCS), rejecting frames that would
// exceed the BLE MTU.
func EncodeMeshFrame(subtype byte, payloadType, msgID, hopCount byte, payload []byte) ([]byte, error) {
	body := make([]byte, 0, 5+len(payload))
	body = append(body, '@', subtype, payloadType, msgID, hopCount)
	body = append(body, payload...)

	fcs := CRC16CCITT(body)
	frame := make([]byte, len(body)+2)
	copy(frame, body)
	binary.LittleEndian.PutUint16(frame[len(body):], fcs)

	if len(frame) > MTU {
		return nil, fmt.Errorf("mesh frame of %d bytes exceeds BLE MTU %d", len(frame), MTU)
	}
	return frame, nil
}

// Control command byte values, per the device's framing table.
const (
	cmdHello       byte = 0x10
	cmdSetTime     byte = 0x20
	cmdSetCallsign byte = 0x50
	cmdSetWifi     byte = 0x55
	cmdSetLat      byte = 0x70
	cmdSetLon      byte = 0x80
	cmdSetAltitude byte = 0x90
	cmdSetAPRSSym  byte = 0x95
	cmdTextCommand byte = 0xA0
	cmdSaveReboot  byte = 0xF0
)

// SaveFlag selects whether a set-position/altitude command persists to
// flash (Persist) or applies only to the running session (Volatile).
type SaveFlag byte

const (
	Persist  SaveFlag = 0x0A
	Volatile SaveFlag = 0x0B
)

// lengthPrefixed wraps payload (which must already include the leading
// command-id byte) in the single-byte length-prefixed envelope: len
// includes itself and the command-id byte, so len = payload_len + 2. MTU
// rejection happens here, once, for every length-prefixed command.
func lengthPrefixed(payload []byte) ([]byte, error) {
	total := len(payload) + 1 // +1 for the length byte itself
	if total > 255 {
		return nil, fmt.Errorf("command payload of %d bytes too large for single-byte length prefix", total)
	}
	frame := make([]byte, 0, total)
	frame = append(frame, byte(total))
	frame = append(frame, payload...)
	if len(frame) > MTU {
		return nil, fmt.Errorf("command frame of %d bytes exceeds BLE MTU %d", len(frame), MTU)
	}
	return frame, nil
}

// Hello encodes the fixed wake-up frame: [0x04][0x10][0x20][0x30].
func Hello() []byte {
	return []byte{0x04, cmdHello, 0x20, 0x30}
}

// SetTime encodes the clock-sync command for the given unix seconds.
func SetTime(unixSeconds uint32) ([]byte, error) {
	payload := make([]byte, 5)
	payload[0] = cmdSetTime
	binary.LittleEndian.PutUint32(payload[1:], unixSeconds)
	return lengthPrefixed(payload)
}

// SetCallsign encodes the set-callsign command.
func SetCallsign(callsign string) ([]byte, error) {
	payload := append([]byte{cmdSetCallsign}, []byte(callsign)...)
	return lengthPrefixed(payload)
}

// SetWifi encodes the set-wifi command: ssid and password as length-prefixed sub-fields.
func SetWifi(ssid, password string) ([]byte, error) {
	if len(ssid) > 255 || len(password) > 255 {
		return nil, fmt.Errorf("ssid/password too long for single-byte sub-length")
	}
	payload := []byte{cmdSetWifi}
	payload = append(payload, byte(len(ssid)))
	payload = append(payload, []byte(ssid)...)
	payload = append(payload, byte(len(password)))
	payload = append(payload, []byte(password)...)
	return lengthPrefixed(payload)
}

// SetLatitude encodes a set-lat command with the given save semantics.
func SetLatitude(lat float32, save SaveFlag) ([]byte, error) {
	return setFloatCommand(cmdSetLat, lat, save)
}

// SetLongitude encodes a set-lon command with the given save semantics.
func SetLongitude(lon float32, save SaveFlag) ([]byte, error) {
	return setFloatCommand(cmdSetLon, lon, save)
}

func setFloatCommand(cmd byte, v float32, save SaveFlag) ([]byte, error) {
	payload := make([]byte, 6)
	payload[0] = cmd
	binary.LittleEndian.PutUint32(payload[1:5], math.Float32bits(v))
	payload[5] = byte(save)
	return lengthPrefixed(payload)
}

// SetAltitude encodes a set-altitude command (meters, signed) with the given save semantics.
func SetAltitude(meters int32, save SaveFlag) ([]byte, error) {
	payload := make([]byte, 6)
	payload[0] = cmdSetAltitude
	binary.LittleEndian.PutUint32(payload[1:5], uint32(meters))
	payload[5] = byte(save)
	return lengthPrefixed(payload)
}

// SetAPRSSymbol encodes the set-APRS-symbol command.
func SetAPRSSymbol(primary, secondary byte) ([]byte, error) {
	return lengthPrefixed([]byte{cmdSetAPRSSym, primary, secondary})
}

// TextCommand encodes an ASCII text command (e.g. "--pos", "--io") for the
// 0xA0 opcode. The caller is responsible for never passing the invalid
// literal "--pos info" (the correct keepalive command is "--pos").
func TextCommand(cmd string) ([]byte, error) {
	payload := append([]byte{cmdTextCommand}, []byte(cmd)...)
	return lengthPrefixed(payload)
}

// SaveAndReboot encodes the fixed save-and-reboot frame: [0x02][0xF0].
func SaveAndReboot() []byte {
	return []byte{0x02, cmdSaveReboot}
}
