// Package wire implements the binary WebSocket framing described in
// spec.md §4.3: every frame begins with a varint message kind, followed by
// a kind-specific payload. Sync frames carry a second varint selecting the
// sub-step; Awareness frames carry a length-prefixed update blob.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"dacollab.dev/pkg/collaberrors"
)

// Kind is the outer message-kind tag.
type Kind uint64

const (
	KindSync      Kind = 0
	KindAwareness Kind = 1
)

// SyncStep is the inner tag distinguishing the three sync sub-messages.
type SyncStep uint64

const (
	SyncStep1  SyncStep = 0
	SyncStep2  SyncStep = 1
	SyncUpdate SyncStep = 2
)

// Message is a decoded client↔server frame. Exactly one of the payload
// fields is meaningful, selected by Kind (and SyncStep when Kind is Sync).
type Message struct {
	Kind      Kind
	Step      SyncStep
	Payload   []byte // Sync Step1: state vector; Step2/Update: op-log update
	Awareness []byte // Awareness frame payload
}

// EncodeSyncStep1 frames a state-vector announcement.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames a full or diff update sent in reply to Step 1.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeSyncUpdate frames an incremental update broadcast after a local
// mutation.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(step SyncStep, payload []byte) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, uint64(KindSync))
	putUvarint(&buf, uint64(step))
	putUvarint(&buf, uint64(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// EncodeAwareness frames a length-prefixed awareness update.
func EncodeAwareness(update []byte) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, uint64(KindAwareness))
	putUvarint(&buf, uint64(len(update)))
	buf.Write(update)
	return buf.Bytes()
}

// Decode parses one frame. A malformed frame returns a non-nil error; the
// caller (per spec §4.3) must surface this via the document's "error" map
// and must not close the connection because of it.
func Decode(frame []byte) (Message, error) {
	r := bytes.NewReader(frame)

	kind, err := binary.ReadUvarint(r)
	if err != nil {
		return Message{}, fmt.Errorf("%w: read kind: %w", collaberrors.ErrDecode, err)
	}

	switch Kind(kind) {
	case KindSync:
		step, err := binary.ReadUvarint(r)
		if err != nil {
			return Message{}, fmt.Errorf("%w: read sync step: %w", collaberrors.ErrDecode, err)
		}
		payload, err := readLengthPrefixed(r)
		if err != nil {
			return Message{}, fmt.Errorf("%w: read sync payload: %w", collaberrors.ErrDecode, err)
		}
		return Message{Kind: KindSync, Step: SyncStep(step), Payload: payload}, nil

	case KindAwareness:
		payload, err := readLengthPrefixed(r)
		if err != nil {
			return Message{}, fmt.Errorf("%w: read awareness payload: %w", collaberrors.ErrDecode, err)
		}
		return Message{Kind: KindAwareness, Awareness: payload}, nil

	default:
		return Message{}, fmt.Errorf("%w: unknown message kind %d", collaberrors.ErrDecode, kind)
	}
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("wire: declared length %d exceeds remaining %d bytes", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
