package syncproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message type")
)

type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
	MessageCustom    MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageCustom:
		return "custom"
	}
	return fmt.Sprintf("unknown(%d)", uint64(t))
}

type SyncStep uint64

const (
	// SyncStep1 carries a state vector and asks the peer for what it is missing.
	SyncStep1 SyncStep = 0
	// SyncStep2 answers a step1 with a delta.
	SyncStep2 SyncStep = 1
	// SyncUpdate pushes an incremental delta.
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("unknown(%d)", uint64(s))
}

// Message is one decoded wire frame. Step is only meaningful for sync messages.
type Message struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	out := protowire.AppendVarint(nil, uint64(MessageSync))
	out = protowire.AppendVarint(out, uint64(step))
	return protowire.AppendBytes(out, payload)
}

func EncodeAwareness(update []byte) []byte {
	out := protowire.AppendVarint(nil, uint64(MessageAwareness))
	return protowire.AppendBytes(out, update)
}

func EncodeCustom(payload []byte) []byte {
	out := protowire.AppendVarint(nil, uint64(MessageCustom))
	return protowire.AppendBytes(out, payload)
}

func Encode(m Message) []byte {
	switch m.Type {
	case MessageSync:
		return EncodeSync(m.Step, m.Payload)
	case MessageAwareness:
		return EncodeAwareness(m.Payload)
	}
	return EncodeCustom(m.Payload)
}

// Decode parses a frame. The returned payload aliases raw.
func Decode(raw []byte) (Message, error) {
	t, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: type: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	raw = raw[n:]
	m := Message{Type: MessageType(t)}
	switch m.Type {
	case MessageSync:
		step, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: sync step: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		raw = raw[n:]
		m.Step = SyncStep(step)
		if m.Step > SyncUpdate {
			return Message{}, fmt.Errorf("%w: sync %v", ErrUnknownMessage, m.Step)
		}
	case MessageAwareness, MessageCustom:
	default:
		return Message{}, fmt.Errorf("%w: %v", ErrUnknownMessage, m.Type)
	}
	payload, n := protowire.ConsumeBytes(raw)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: %v payload: %v", ErrMalformedMessage, m.Type, protowire.ParseError(n))
	}
	if n != len(raw) {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(raw)-n)
	}
	m.Payload = payload
	return m, nil
}
