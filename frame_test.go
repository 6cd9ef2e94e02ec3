package wsmux

import (
	"bytes"
	"testing"
)

// Scenario 1 of spec §8: encode a DATA header for type=1, dst=255, src=1,
// payload="AAAA" and check the literal 16-byte output.
func TestEncodeHeader_DataScenario(t *testing.T) {
	want := []byte{
		0x00, 0x02, 0x00, 0x01,
		0x00, 0x00, 0x00, 0xFF,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x04,
	}
	got := encodeHeader(msgData, 255, 1, len("AAAA"))
	if !bytes.Equal(got[:], want) {
		t.Fatalf("encodeHeader mismatch:\n got  % x\n want % x", got[:], want)
	}
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	hdr := encodeHeader(msgOpen, 7, 42, len(payload))

	msg := append(append([]byte(nil), hdr[:]...), payload...)
	got, gotPayload, err := decodeFrame(msg)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.version != protoVersion {
		t.Errorf("version = %d, want %d", got.version, protoVersion)
	}
	if got.typ != msgOpen {
		t.Errorf("typ = %v, want %v", got.typ, msgOpen)
	}
	if got.dst != 7 || got.src != 42 {
		t.Errorf("dst/src = %d/%d, want 7/42", got.dst, got.src)
	}
	if got.length != uint32(len(payload)) {
		t.Errorf("length = %d, want %d", got.length, len(payload))
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}

	reencoded := encodeHeader(got.typ, got.dst, got.src, len(gotPayload))
	if !bytes.Equal(reencoded[:], hdr[:]) {
		t.Errorf("re-encoded header %x != original %x", reencoded[:], hdr[:])
	}
}

// Boundary behavior of spec §8: decoding a buffer shorter than 16 bytes
// yields an error.
func TestDecodeFrame_ShortBuffer(t *testing.T) {
	for n := 0; n < headerSize; n++ {
		if _, _, err := decodeFrame(make([]byte, n)); err == nil {
			t.Fatalf("decodeFrame(%d bytes): want error, got nil", n)
		}
	}
}

func TestDecodeFrame_DoesNotValidateVersionOrType(t *testing.T) {
	hdr := encodeHeader(msgType(9999), 1, 1, 0)
	h, _, err := decodeFrame(hdr[:])
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if h.typ != msgType(9999) {
		t.Errorf("typ = %v, want 9999 (decode must not reject unknown types)", h.typ)
	}
}

func TestMsgTypeString(t *testing.T) {
	cases := map[msgType]string{
		msgData:   "DATA",
		msgOpen:   "OPEN",
		msgAck:    "ACK",
		msgClose:  "CLOSE",
		msgPause:  "PAUSE",
		msgResume: "RESUME",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("msgType(%d).String() = %q, want %q", typ, got, want)
		}
	}
	if got := msgType(77).String(); got != "UNKNOWN(77)" {
		t.Errorf("unknown type String() = %q, want UNKNOWN(77)", got)
	}
}
