package engine

import (
	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/gate"
	"github.com/klipach/ultcom/presence"
	"github.com/klipach/ultcom/stream"
)

// View is the composed state presented to the viewer. It is a copy; the
// engine never mutates a View after handing it out.
type View struct {
	Phase       gate.Phase
	Session     *auth.Session
	Profile     *contract.User
	Inbox       []stream.Entry
	InboxLoaded bool
	InboxErr    error
	TotalUnread int
	Room        *RoomView
	// Notice is the latest non-fatal failure, kept until dismissed.
	Notice error
}

type RoomView struct {
	ID         string
	Peer       stream.Peer
	PeerStatus presence.Status
	// Messages are newest first and include local echoes.
	Messages []stream.Item
	Failed   []contract.Message
	Loaded   bool
	Err      error
}

func (e *Engine) view() View {
	v := View{
		Phase:  e.gate.Phase(),
		Notice: e.notice,
	}
	if e.session != nil {
		s := *e.session
		v.Session = &s
	}
	if e.profile != nil {
		p := *e.profile
		v.Profile = &p
	}
	if e.inbox != nil {
		v.Inbox = e.inbox.Entries()
		v.InboxLoaded = e.inbox.Loaded()
		v.InboxErr = e.inbox.Err()
		v.TotalUnread = e.inbox.TotalUnread()
	}
	if r := e.room; r != nil {
		v.Room = &RoomView{
			ID:         r.id,
			Peer:       r.peer,
			PeerStatus: r.online,
			Messages:   r.messages.List(),
			Failed:     r.messages.Failed(),
			Loaded:     r.messages.Loaded(),
			Err:        r.messages.Err(),
		}
	}
	return v
}
