package wire

import (
	"encoding/binary"
	"testing"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/routing"
)

const testMagic uint32 = 0x48574d31 // "HWM1"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var origin sign.PublicKey
	copy(origin[:], []byte("0123456789abcdef0123456789abcde"))
	ann := routing.RefsAnnouncement{
		Origin:    origin,
		Repo:      identity.Hash([]byte("R")),
		Timestamp: 42,
	}
	frame, err := EncodeRefs(testMagic, ann)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewDeserializer(testMagic)
	if err := d.Input(frame); err != nil {
		t.Fatalf("input: %v", err)
	}
	msg, err := d.DeserializeNext()
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected a complete message")
	}
	if msg.Type != TypeRefs {
		t.Fatalf("expected TypeRefs, got %v", msg.Type)
	}
	got, err := DecodeRefs(msg.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Repo != ann.Repo || got.Timestamp != ann.Timestamp {
		t.Fatalf("round trip mismatch: %+v != %+v", got, ann)
	}
	if !d.Empty() {
		t.Fatalf("expected the buffer to be empty after draining exactly one frame")
	}
}

func TestIncompleteFrameYieldsNil(t *testing.T) {
	var origin sign.PublicKey
	ann := routing.NodeAnnouncement{Origin: origin, Timestamp: 1}
	frame, err := EncodeNode(testMagic, ann)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewDeserializer(testMagic)
	if err := d.Input(frame[:len(frame)-1]); err != nil {
		t.Fatalf("input: %v", err)
	}
	msg, err := d.DeserializeNext()
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil for a truncated frame, got %v", msg)
	}
	if d.Empty() {
		t.Fatalf("expected the partial bytes to remain buffered")
	}
}

func TestUnknownTypeErrors(t *testing.T) {
	body := []byte("x")
	frame, err := Encode(testMagic, MessageType(9999), body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := NewDeserializer(testMagic)
	if err := d.Input(frame); err != nil {
		t.Fatalf("input: %v", err)
	}
	if _, err := d.DeserializeNext(); err == nil {
		t.Fatalf("expected an error for an unknown message type")
	}
}

func TestOverflowRejected(t *testing.T) {
	d := NewDeserializer(testMagic)
	big := make([]byte, MaxPayloadSize+2)
	if err := d.Input(big); err == nil {
		t.Fatalf("expected an overflow error")
	}
}

func TestEncodeRejectsBodyBeyondLengthField(t *testing.T) {
	big := make([]byte, maxFrameBodySize+1)
	if _, err := Encode(testMagic, TypePing, big); err == nil {
		t.Fatalf("expected a body beyond the uint16 length field to be rejected")
	}
}

func TestWrongMagicRejected(t *testing.T) {
	frame, err := Encode(testMagic, TypePing, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Flip the magic in place so the rest of the frame is well-formed.
	binary.BigEndian.PutUint32(frame[0:4], testMagic+1)

	d := NewDeserializer(testMagic)
	if err := d.Input(frame); err != nil {
		t.Fatalf("input: %v", err)
	}
	_, err = d.DeserializeNext()
	if err != errs.WrongMagic {
		t.Fatalf("expected errs.WrongMagic, got %v", err)
	}
}
