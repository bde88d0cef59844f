// Package stream folds the full result sets delivered by live store
// subscriptions into the lists presented to a viewer.
package stream

import (
	"slices"
	"strings"

	"github.com/klipach/ultcom/contract"
)

// State of a message in a presented list.
type State int

const (
	Confirmed State = iota
	// Pending is a local echo waiting for the store to acknowledge it.
	Pending
	// Failed is a local echo whose send failed; it can be retried.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "confirmed"
}

type Item struct {
	contract.Message
	State State
}

// Messages holds the message list of one open room. Every Apply replaces
// the confirmed list with the delivered snapshot; local echoes survive
// only until a snapshot carrying their id arrives.
type Messages struct {
	confirmed []contract.Message
	ids       map[string]struct{}
	local     map[string]Item
	loaded    bool
	err       error
}

func NewMessages() *Messages {
	return &Messages{
		ids:   make(map[string]struct{}),
		local: make(map[string]Item),
	}
}

// Apply takes a full snapshot, ordered newest first at the source.
func (m *Messages) Apply(snapshot []contract.Message) {
	confirmed := make([]contract.Message, 0, len(snapshot))
	ids := make(map[string]struct{}, len(snapshot))
	for _, msg := range snapshot {
		if _, dup := ids[msg.ID]; dup {
			continue
		}
		ids[msg.ID] = struct{}{}
		confirmed = append(confirmed, msg)
	}
	m.confirmed, m.ids = confirmed, ids
	for id := range m.local {
		if _, ok := ids[id]; ok {
			delete(m.local, id)
		}
	}
	m.loaded = true
	m.err = nil
}

// Fail records a feed error. The last good snapshot stays presented.
func (m *Messages) Fail(err error) {
	m.err = err
}

// Echo adds a pending local copy of a message being sent. It reports false
// when a message with the same id is already confirmed or pending.
func (m *Messages) Echo(msg contract.Message) bool {
	if _, ok := m.ids[msg.ID]; ok {
		return false
	}
	if it, ok := m.local[msg.ID]; ok && it.State == Pending {
		return false
	}
	m.local[msg.ID] = Item{Message: msg, State: Pending}
	return true
}

// MarkFailed turns a pending echo into a failed one. A message the store
// already confirmed is left alone.
func (m *Messages) MarkFailed(id string) {
	if it, ok := m.local[id]; ok {
		it.State = Failed
		m.local[id] = it
	}
}

// Drop forgets a local echo, pending or failed.
func (m *Messages) Drop(id string) {
	delete(m.local, id)
}

// Has reports whether id is confirmed or has a pending echo.
func (m *Messages) Has(id string) bool {
	if _, ok := m.ids[id]; ok {
		return true
	}
	it, ok := m.local[id]
	return ok && it.State == Pending
}

func (m *Messages) Local(id string) (Item, bool) {
	it, ok := m.local[id]
	return it, ok
}

// List returns the presented messages, newest first. Local echoes sort by
// their creation time among confirmed messages and win ties.
func (m *Messages) List() []Item {
	items := make([]Item, 0, len(m.local)+len(m.confirmed))
	for _, it := range m.local {
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b Item) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	for _, msg := range m.confirmed {
		items = append(items, Item{Message: msg})
	}
	slices.SortStableFunc(items, func(a, b Item) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return items
}

func (m *Messages) Failed() []contract.Message {
	var out []contract.Message
	for _, it := range m.local {
		if it.State == Failed {
			out = append(out, it.Message)
		}
	}
	slices.SortFunc(out, func(a, b contract.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *Messages) Err() error {
	return m.err
}

func (m *Messages) Loaded() bool {
	return m.loaded
}
