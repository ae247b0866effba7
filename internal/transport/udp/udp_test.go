package udp

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrameDirectJSON(t *testing.T) {
	raw := []byte(`{"src":"DK5EN-1","dst":"*","msg":"hi","type":"msg","timestamp":1000}`)

	f, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decodeFrame() = %v", err)
	}
	if f.Src != "DK5EN-1" || f.Type != TypeMsg {
		t.Errorf("decodeFrame() = %+v, want src=DK5EN-1 type=msg", f)
	}
}

func TestDecodeFrameDoubleStringified(t *testing.T) {
	inner := `{"src":"DK5EN-1","dst":"*","msg":"hi","type":"pos","timestamp":2000}`
	wrapped, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("json.Marshal() = %v", err)
	}

	f, err := decodeFrame(wrapped)
	if err != nil {
		t.Fatalf("decodeFrame() = %v", err)
	}
	if f.Src != "DK5EN-1" || f.Type != TypePos {
		t.Errorf("decodeFrame() = %+v, want src=DK5EN-1 type=pos", f)
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	if _, err := decodeFrame([]byte(`not json at all {{{`)); err == nil {
		t.Error("decodeFrame() on garbage input returned nil error, want error")
	}
}

func TestFrameRoundTripThroughWireEncoding(t *testing.T) {
	rssi := -75.0
	original := Frame{Src: "A", Dst: "*", Msg: "test", Type: TypeMsg, Timestamp: 12345, RSSI: &rssi}

	payload, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("json.Marshal() = %v", err)
	}
	wrapped, err := json.Marshal(string(payload))
	if err != nil {
		t.Fatalf("json.Marshal(string) = %v", err)
	}

	decoded, err := decodeFrame(wrapped)
	if err != nil {
		t.Fatalf("decodeFrame() = %v", err)
	}
	if decoded.Src != original.Src || decoded.Timestamp != original.Timestamp {
		t.Errorf("decodeFrame() = %+v, want round trip of %+v", decoded, original)
	}
	if decoded.RSSI == nil || *decoded.RSSI != rssi {
		t.Errorf("RSSI not preserved across round trip: %v", decoded.RSSI)
	}
}
