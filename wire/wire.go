// Package wire implements the length-prefixed binary framing (C9) from
// SPEC_FULL.md §4.9 and §6: magic(4 bytes) || length(2 bytes) || type(2
// bytes) || body, with a bounded-buffer stateful deserialiser that rejects
// any frame whose magic doesn't match this network's. Grounded on
// original_source/radicle-node/src/wire/old.rs for the frame layout and on
// the teacher's core/network.go for the Go idiom (binary.BigEndian
// fixed-width headers, a single Deserializer struct owning its buffer).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/routing"
)

// MessageType tags a frame's body encoding.
type MessageType uint16

const (
	TypeNode MessageType = iota + 1
	TypeInventory
	TypeRefs
	TypeSubscribe
	TypePing
	TypePong
)

// headerSize is the fixed magic(4) + length(2) + type(2) prefix.
const headerSize = 8

// MaxPayloadSize bounds a single frame's body, per §4.9 "Buffer capacity is
// MAX_PAYLOAD_SIZE + 1".
const MaxPayloadSize = 1 << 20 // 1 MiB

// maxFrameBodySize is the largest body Encode can actually represent: the
// length field is a uint16, so a body beyond 0xFFFF would silently truncate
// in the wire header even though it is still under MaxPayloadSize.
const maxFrameBodySize = 0xFFFF

// Message is a decoded frame: its type tag plus the still-encoded body.
// Callers decode Body according to Type, with DecodeNode, DecodeInventory,
// DecodeRefs or DecodeSubscribe; announcement bodies are the JSON form of
// the structs routing.go defines.
type Message struct {
	Type MessageType
	Body []byte
}

// Encode renders msg as a complete frame: magic || length || type || body.
// Body itself is length-capped fixed-field encoding; this implementation
// uses JSON for the announcement bodies and raw bytes for Ping/Pong,
// matching §6's "fixed fields" requirement at the frame level while letting
// each announcement type own its internal layout. magic identifies the
// network this frame belongs to (§6 "every peer-to-peer frame carries a
// 4-byte network magic"); callers on both ends must agree on its value.
func Encode(magic uint32, msgType MessageType, body []byte) ([]byte, error) {
	if len(body) > MaxPayloadSize {
		return nil, errs.OutOfMemory
	}
	if len(body) > maxFrameBodySize {
		return nil, errs.New(errs.Resource, "wire.encode", fmt.Errorf("body of %d bytes exceeds the %d-byte frame length field", len(body), maxFrameBodySize))
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out[0:4], magic)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(body)))
	binary.BigEndian.PutUint16(out[6:8], uint16(msgType))
	copy(out[headerSize:], body)
	return out, nil
}

// EncodeNode is a convenience wrapper that JSON-encodes a
// routing.NodeAnnouncement and frames it.
func EncodeNode(magic uint32, a routing.NodeAnnouncement) ([]byte, error) {
	return encodeJSON(magic, TypeNode, a)
}

// EncodeInventory frames a routing.InventoryAnnouncement.
func EncodeInventory(magic uint32, a routing.InventoryAnnouncement) ([]byte, error) {
	return encodeJSON(magic, TypeInventory, a)
}

// EncodeRefs frames a routing.RefsAnnouncement.
func EncodeRefs(magic uint32, a routing.RefsAnnouncement) ([]byte, error) {
	return encodeJSON(magic, TypeRefs, a)
}

// EncodeSubscribe frames a peer's subscribe filter: a bloom filter over repo
// ids, per §4.7's "Subscribe filter" glossary entry.
func EncodeSubscribe(magic uint32, filter *bloom.BloomFilter) ([]byte, error) {
	body, err := filter.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("wire: marshal subscribe filter: %w", err)
	}
	return Encode(magic, TypeSubscribe, body)
}

// DecodeSubscribe unmarshals a TypeSubscribe frame body.
func DecodeSubscribe(body []byte) (*bloom.BloomFilter, error) {
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalJSON(body); err != nil {
		return nil, fmt.Errorf("wire: unmarshal subscribe filter: %w", err)
	}
	return filter, nil
}

func encodeJSON(magic uint32, t MessageType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}
	return Encode(magic, t, body)
}

// Deserializer is the stateful, bounded-buffer frame reader of §4.9: input
// appends bytes, DeserializeNext pops one decoded frame at a time (or
// reports an incomplete frame, or an overflow, or a network magic mismatch).
type Deserializer struct {
	magic uint32
	buf   []byte
}

// NewDeserializer returns an empty deserialiser that only accepts frames
// carrying magic, rejecting every other frame with errs.WrongMagic (§6, §4.8
// step 2: "peers on a different network are dropped at the framing layer").
func NewDeserializer(magic uint32) *Deserializer { return &Deserializer{magic: magic} }

// Input appends newly arrived bytes to the buffer, rejecting the append (and
// leaving the buffer unchanged) if it would exceed MaxPayloadSize+1, per
// §4.9's bounded-buffer invariant.
func (d *Deserializer) Input(b []byte) error {
	if len(d.buf)+len(b) > MaxPayloadSize+1 {
		return errs.OutOfMemory
	}
	d.buf = append(d.buf, b...)
	return nil
}

// DeserializeNext returns the next decoded message, or (nil, nil) if the
// buffer holds an incomplete frame, or an error on a malformed frame, a
// network magic mismatch, or an unknown message type (§4.9 "unknown message
// types propagate an error").
func (d *Deserializer) DeserializeNext() (*Message, error) {
	if len(d.buf) < headerSize {
		return nil, nil
	}
	magic := binary.BigEndian.Uint32(d.buf[0:4])
	length := binary.BigEndian.Uint16(d.buf[4:6])
	msgType := MessageType(binary.BigEndian.Uint16(d.buf[6:8]))
	total := headerSize + int(length)
	if len(d.buf) < total {
		return nil, nil
	}
	if magic != d.magic {
		return nil, errs.WrongMagic
	}
	if !knownType(msgType) {
		return nil, errs.New(errs.Protocol, "wire.deserialize", fmt.Errorf("unknown message type %d", msgType))
	}
	body := make([]byte, length)
	copy(body, d.buf[headerSize:total])
	d.buf = d.buf[total:]
	return &Message{Type: msgType, Body: body}, nil
}

// Empty reports whether the buffer holds no partial frame, used by the
// round-trip property in §8 ("the buffer is empty iff the stream ended on a
// frame boundary").
func (d *Deserializer) Empty() bool { return len(d.buf) == 0 }

func knownType(t MessageType) bool {
	switch t {
	case TypeNode, TypeInventory, TypeRefs, TypeSubscribe, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// DecodeNode unmarshals a TypeNode frame body.
func DecodeNode(body []byte) (routing.NodeAnnouncement, error) {
	var a routing.NodeAnnouncement
	err := json.Unmarshal(body, &a)
	return a, err
}

// DecodeInventory unmarshals a TypeInventory frame body.
func DecodeInventory(body []byte) (routing.InventoryAnnouncement, error) {
	var a routing.InventoryAnnouncement
	err := json.Unmarshal(body, &a)
	return a, err
}

// DecodeRefs unmarshals a TypeRefs frame body.
func DecodeRefs(body []byte) (routing.RefsAnnouncement, error) {
	var a routing.RefsAnnouncement
	err := json.Unmarshal(body, &a)
	return a, err
}
