package notebook

import (
	"fmt"

	"github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeStateVector writes the heads of a document as a varint count followed by the raw hashes.
func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	out := protowire.AppendVarint(nil, uint64(len(heads)))
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func DecodeStateVector(raw []byte) ([]automerge.ChangeHash, error) {
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, fmt.Errorf("%w: state vector count: %v", ErrMalformedDelta, protowire.ParseError(n))
	}
	raw = raw[n:]
	var h automerge.ChangeHash
	if len(raw)%len(h) != 0 || uint64(len(raw)/len(h)) != count {
		return nil, fmt.Errorf("%w: state vector has %d bytes for %d heads", ErrMalformedDelta, len(raw), count)
	}
	heads := make([]automerge.ChangeHash, 0, count)
	for i := uint64(0); i < count; i++ {
		copy(h[:], raw[:len(h)])
		heads = append(heads, h)
		raw = raw[len(h):]
	}
	return heads, nil
}

// encodeChanges concatenates saved changes, which LoadIncremental accepts as a single chunk sequence.
func encodeChanges(changes []*automerge.Change) []byte {
	var out []byte
	for _, c := range changes {
		out = append(out, c.Save()...)
	}
	return out
}
