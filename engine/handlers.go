package engine

import (
	"context"
	"log/slog"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/gate"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/presence"
	"github.com/klipach/ultcom/profile"
	"github.com/klipach/ultcom/store"
	"github.com/klipach/ultcom/stream"
)

// logCtx is the loop context carrying a logger tagged with the session.
func (e *Engine) logCtx() context.Context {
	logger := e.logger
	if e.session != nil {
		logger = logger.With(slog.String(log.UserIDField, e.session.UID))
	}
	return log.WithLogger(e.ctx, logger)
}

func (e *Engine) onSession(s *auth.Session) {
	if s == nil {
		e.endSession()
		return
	}
	if e.session != nil && e.session.UID == s.UID {
		// Same user, refreshed claims or token.
		e.session = s
		return
	}
	if e.session != nil {
		e.endSession()
	}

	e.session = s
	prev := e.gate.Phase()
	phase, _ := e.gate.SessionStarted(s.UID)
	e.phaseChanged(prev, phase)

	gen := e.generation()
	uid := s.UID
	e.profileSub = handle{gen: gen, sub: profile.Watch(e.ctx, e.store, uid, func(u *contract.User, err error) {
		e.post(func(e *Engine) { e.onProfile(gen, uid, u, err) })
	})}
	e.logger.Info("session started", slog.String(log.UserIDField, uid))
}

// endSession tears the session scope down: the open room first, then the
// inbox, then the profile subscription, and only then the session itself.
func (e *Engine) endSession() {
	if e.session != nil {
		e.logger.Info("session ended", slog.String(log.UserIDField, e.session.UID))
	}
	e.closeRoom()
	e.stopInbox()
	e.profileSub.stop()
	e.session = nil
	e.profile = nil

	prev := e.gate.Phase()
	phase, _ := e.gate.SessionEnded()
	e.phaseChanged(prev, phase)
}

func (e *Engine) onProfile(gen uint64, uid string, u *contract.User, err error) {
	if gen != e.profileSub.gen {
		return
	}
	prev := e.gate.Phase()
	var phase gate.Phase
	if err != nil {
		log.LoggerFromContext(e.logCtx()).Warn("profile feed failed",
			slog.String(log.PathField, contract.UserPath(uid)),
			log.Err(err),
		)
		e.notice = err
		phase, _ = e.gate.ProfileFailed(uid)
	} else {
		e.profile = u
		phase, _ = e.gate.ProfileObserved(uid, u != nil)
	}
	e.phaseChanged(prev, phase)
}

// phaseChanged starts and stops the inbox scope so that it runs exactly
// while the phase is Ready.
func (e *Engine) phaseChanged(prev, phase gate.Phase) {
	if prev == phase {
		return
	}
	e.logger.Info("phase changed",
		slog.String(log.PhaseField, phase.String()),
		slog.String("from", prev.String()),
	)
	if phase == gate.Ready {
		e.startInbox()
		uid := e.session.UID
		presence.Forget(e.logCtx(), "set online", func(ctx context.Context) error {
			return e.presence.SetOnline(ctx, uid)
		})
		return
	}
	e.closeRoom()
	e.stopInbox()
}

func (e *Engine) startInbox() {
	if e.inboxSub.active() || e.session == nil {
		return
	}
	uid := e.session.UID
	gen := e.generation()
	e.inbox = stream.NewInbox(uid)
	e.inboxSub = handle{gen: gen, sub: e.store.Subscribe(e.ctx, chat.InboxQuery(uid), func(docs []*store.Snapshot, err error) {
		e.post(func(e *Engine) { e.onInbox(gen, docs, err) })
	})}
}

func (e *Engine) stopInbox() {
	e.inboxSub.stop()
	e.inbox = nil
}

func (e *Engine) onInbox(gen uint64, docs []*store.Snapshot, err error) {
	if gen != e.inboxSub.gen || e.inbox == nil {
		return
	}
	if err == nil {
		var rooms []contract.ChatRoom
		rooms, err = chat.DecodeRooms(docs)
		if err == nil {
			e.inbox.Apply(rooms)
			e.refreshPeer()
			return
		}
	}
	log.LoggerFromContext(e.logCtx()).Warn("inbox feed failed",
		slog.String(log.PathField, contract.ChatsCollection),
		log.Err(err),
	)
	e.inbox.Fail(err)
	e.notice = err
}

// refreshPeer fills the open room's peer once the inbox knows the room.
func (e *Engine) refreshPeer() {
	if e.room == nil || e.inbox == nil {
		return
	}
	if entry, ok := e.inbox.Entry(e.room.id); ok {
		e.room.peer = entry.Peer
	}
}

func (e *Engine) onMessages(gen uint64, docs []*store.Snapshot, err error) {
	r := e.room
	if r == nil || gen != r.sub.gen {
		return
	}
	if err == nil {
		var messages []contract.Message
		messages, err = chat.DecodeMessages(docs)
		if err == nil {
			r.messages.Apply(messages)
			return
		}
	}
	log.LoggerFromContext(e.logCtx()).Warn("message feed failed",
		slog.String(log.RoomIDField, r.id),
		slog.String(log.PathField, contract.MessagesPath(r.id)),
		log.Err(err),
	)
	r.messages.Fail(err)
	e.notice = err
}

func (e *Engine) onStatus(gen uint64, st presence.Status, err error) {
	r := e.room
	if r == nil || gen != r.status.gen {
		return
	}
	if err != nil {
		log.LoggerFromContext(e.logCtx()).Warn("status feed failed",
			slog.String(log.PathField, contract.UserPath(r.peerUID)),
			log.Err(err),
		)
		return
	}
	r.online = st
}

func (e *Engine) openRoom(roomID string) error {
	if e.gate.Phase() != gate.Ready {
		return ErrNotReady
	}
	uid := e.session.UID
	peerUID, ok := chat.PeerFromRoomID(roomID, uid)
	if !ok {
		return chat.ErrNotMember
	}
	if e.room != nil && e.room.id == roomID {
		return nil
	}
	e.closeRoom()

	r := &openRoom{
		id:       roomID,
		peerUID:  peerUID,
		peer:     stream.Peer{UID: stream.UnknownPeerID, DisplayName: stream.UnknownPeerName},
		messages: stream.NewMessages(),
	}
	e.room = r
	e.refreshPeer()

	gen := e.generation()
	r.sub = handle{gen: gen, sub: e.store.Subscribe(e.ctx, chat.MessagesQuery(roomID), func(docs []*store.Snapshot, err error) {
		e.post(func(e *Engine) { e.onMessages(gen, docs, err) })
	})}
	statusGen := e.generation()
	r.status = handle{gen: statusGen, sub: e.presence.WatchStatus(e.ctx, peerUID, func(st presence.Status, err error) {
		e.post(func(e *Engine) { e.onStatus(statusGen, st, err) })
	})}

	ctx := log.WithLogger(e.logCtx(), e.logger.With(slog.String(log.RoomIDField, roomID)))
	e.presence.ResetUnreadAsync(ctx, roomID, uid)
	return nil
}

func (e *Engine) closeRoom() {
	if e.room == nil {
		return
	}
	e.room.sub.stop()
	e.room.status.stop()
	e.room = nil
}
