package syncproto

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAwarenessExchange(t *testing.T) {
	a := NewAwareness(1, time.Minute)
	b := NewAwareness(2, time.Minute)

	var changes []AwarenessChange
	sub := b.OnChange(func(c AwarenessChange) { changes = append(changes, c) })
	defer sub.Cancel()

	a.SetLocalField("user", "alice")
	change, err := b.Apply(a.Encode(a.ClientID()))
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Added, []uint64{1})
	assert.Equal(t, change.Local, false)
	assert.Equal(t, b.States()[1], map[string]any{"user": "alice"})

	// the same update again is stale
	change, err = b.Apply(a.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(change.Added)+len(change.Updated), 0)

	a.SetLocalField("cursor", map[string]any{"cell": "c1", "position": float64(3)})
	change, err = b.Apply(a.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Updated, []uint64{1})

	a.SetLocalState(nil)
	change, err = b.Apply(a.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Removed, []uint64{1})
	_, ok := b.States()[1]
	assert.Equal(t, ok, false)
	assert.Equal(t, len(changes), 3)
}

func TestAwarenessRemoveAndPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	relay := NewAwareness(9, 10*time.Second)
	relay.now = func() time.Time { return now }

	a := NewAwareness(1, 10*time.Second)
	a.SetLocalField("user", "alice")
	_, err := relay.Apply(a.Encode())
	assert.Equal(t, err, nil)

	// the relay tells the others that the client left
	other := NewAwareness(2, 10*time.Second)
	_, err = other.Apply(relay.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(other.States()), 1)
	change, err := other.Apply(relay.Remove(1))
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Removed, []uint64{1})
	assert.Equal(t, len(relay.States()), 0)

	c := NewAwareness(3, 10*time.Second)
	c.SetLocalField("user", "carol")
	_, err = relay.Apply(c.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(relay.Prune()), 0)
	now = now.Add(11 * time.Second)
	assert.Equal(t, relay.Prune(), []uint64{3})
}

func TestAwarenessReannouncesWhenRemovedByPeer(t *testing.T) {
	a := NewAwareness(1, time.Minute)
	a.SetLocalField("user", "alice")
	relay := NewAwareness(9, time.Minute)
	_, err := relay.Apply(a.Encode())
	assert.Equal(t, err, nil)

	change, err := a.Apply(relay.Remove(1))
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Local, true)
	assert.Equal(t, a.LocalState(), map[string]any{"user": "alice"})

	// the bumped clock wins over the removal
	change, err = relay.Apply(a.Encode(1))
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Added, []uint64{1})
}

func TestAwarenessRenewAndRemoveRemote(t *testing.T) {
	now := time.Unix(1000, 0)
	a := NewAwareness(1, 10*time.Second)
	a.now = func() time.Time { return now }
	assert.Equal(t, a.Renew(), false)
	a.SetLocalField("user", "alice")
	assert.Equal(t, a.Renew(), false)
	now = now.Add(5 * time.Second)
	assert.Equal(t, a.Renew(), true)

	b := NewAwareness(2, 10*time.Second)
	b.SetLocalField("user", "bob")
	_, err := a.Apply(b.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, a.RemoveRemote(), []uint64{2})
	assert.Equal(t, len(a.States()), 1)
}

func TestAwarenessMalformedUpdate(t *testing.T) {
	a := NewAwareness(1, time.Minute)
	_, err := a.Apply([]byte{1, 2})
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)
	_, err = a.Apply([]byte{1, 2, 1, 3, '[', '1', ']'})
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)
}
