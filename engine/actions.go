package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/filter"
	"github.com/klipach/ultcom/gate"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/stream"
)

const unknownSenderName = "Unknown"

// View returns the current composed state.
func (e *Engine) View(ctx context.Context) (View, error) {
	return call(ctx, e, func(e *Engine) (View, error) {
		return e.view(), nil
	})
}

// self returns the signed-in user's profile, which exists once Ready.
func (e *Engine) self(ctx context.Context) (contract.User, error) {
	return call(ctx, e, func(e *Engine) (contract.User, error) {
		if e.gate.Phase() != gate.Ready || e.profile == nil {
			return contract.User{}, ErrNotReady
		}
		return *e.profile, nil
	})
}

// Connect looks up the user registered with phone and makes sure the room
// with them exists. The room appears in the inbox through the inbox feed.
func (e *Engine) Connect(ctx context.Context, phone string) (*chat.Connection, error) {
	self, err := e.self(ctx)
	if err != nil {
		return nil, err
	}
	ctx = log.WithLogger(ctx, e.logger.With(slog.String(log.UserIDField, self.UID)))
	return chat.Connect(ctx, e.dir, e.rooms, self, phone)
}

// OpenRoom makes roomID the open room: its messages are followed and the
// viewer's unread counter is reset once. Opening another room closes the
// previous one.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) error {
	_, err := call(ctx, e, func(e *Engine) (struct{}, error) {
		return struct{}{}, e.openRoom(roomID)
	})
	return err
}

func (e *Engine) CloseRoom(ctx context.Context) error {
	_, err := call(ctx, e, func(e *Engine) (struct{}, error) {
		e.closeRoom()
		return struct{}{}, nil
	})
	return err
}

// Send sends text to the open room under a fresh message id and returns it.
func (e *Engine) Send(ctx context.Context, text string) (string, error) {
	id := e.newID()
	return id, e.SendWithID(ctx, id, text)
}

// SendWithID sends text under a client-assigned id. Sending an id that is
// already in flight fails with inflight.ErrInProgress; sending an id the
// room already holds is a no-op. The call returns once the store has
// acknowledged the message or the send has failed; a failed message stays
// in the room view for Retry.
func (e *Engine) SendWithID(ctx context.Context, id, text string) error {
	clean, err := filter.Sanitize(text)
	if err != nil {
		return err
	}
	return e.send(ctx, id, func(e *Engine, r *openRoom) (contract.Message, error) {
		return contract.Message{
			ID:        id,
			Text:      clean,
			CreatedAt: e.now(),
			User:      e.sender(),
		}, nil
	})
}

// Retry sends a failed message of the open room again under the same id.
func (e *Engine) Retry(ctx context.Context, id string) error {
	return e.send(ctx, id, func(e *Engine, r *openRoom) (contract.Message, error) {
		it, ok := r.messages.Local(id)
		if !ok || it.State != stream.Failed {
			return contract.Message{}, ErrUnknownMessage
		}
		return it.Message, nil
	})
}

type pendingSend struct {
	roomID    string
	recipient string
	msg       contract.Message
	duplicate bool
}

func (e *Engine) send(ctx context.Context, id string, build func(*Engine, *openRoom) (contract.Message, error)) error {
	if err := e.guard.Acquire(ctx, id); err != nil {
		return err
	}
	defer func() {
		if err := e.guard.Release(context.WithoutCancel(ctx), id); err != nil {
			e.logger.Warn("release send guard", slog.String(log.MessageIDField, id), log.Err(err))
		}
	}()

	p, err := call(ctx, e, func(e *Engine) (pendingSend, error) {
		r := e.room
		if e.gate.Phase() != gate.Ready {
			return pendingSend{}, ErrNotReady
		}
		if r == nil {
			return pendingSend{}, ErrNoRoom
		}
		msg, err := build(e, r)
		if err != nil {
			return pendingSend{}, err
		}
		if r.messages.Has(id) {
			return pendingSend{duplicate: true}, nil
		}
		r.messages.Echo(msg)
		return pendingSend{roomID: r.id, recipient: r.peerUID, msg: msg}, nil
	})
	if err != nil {
		return err
	}
	if p.duplicate {
		return nil
	}

	logger := e.logger.With(
		slog.String(log.RoomIDField, p.roomID),
		slog.String(log.MessageIDField, id),
	)
	err = e.rooms.RecordMessageSent(log.WithLogger(ctx, logger), p.roomID, p.msg, p.recipient)
	if errors.Is(err, chat.ErrSummaryNotUpdated) {
		logger.Warn("message stored, room summary lags", log.Err(err))
		return nil
	}
	if err != nil {
		logger.Error("send failed", log.Err(err))
		e.post(func(e *Engine) {
			if e.room != nil && e.room.id == p.roomID {
				e.room.messages.MarkFailed(id)
			}
			e.notice = err
		})
		return err
	}
	return nil
}

// sender is the sender snapshot stored on outgoing messages.
func (e *Engine) sender() contract.MessageUser {
	u := contract.MessageUser{ID: e.session.UID}
	switch {
	case e.profile != nil && e.profile.DisplayName != "":
		u.Name = e.profile.DisplayName
		u.Avatar = e.profile.AvatarURL
	case e.session.DisplayName != "":
		u.Name = e.session.DisplayName
		u.Avatar = e.session.AvatarURL
	default:
		u.Name = unknownSenderName
	}
	return u
}

// DiscardFailed forgets a failed message instead of retrying it.
func (e *Engine) DiscardFailed(ctx context.Context, id string) error {
	_, err := call(ctx, e, func(e *Engine) (struct{}, error) {
		if e.room == nil {
			return struct{}{}, ErrNoRoom
		}
		it, ok := e.room.messages.Local(id)
		if !ok || it.State != stream.Failed {
			return struct{}{}, ErrUnknownMessage
		}
		e.room.messages.Drop(id)
		return struct{}{}, nil
	})
	return err
}

func (e *Engine) DismissNotice(ctx context.Context) error {
	_, err := call(ctx, e, func(e *Engine) (struct{}, error) {
		e.notice = nil
		return struct{}{}, nil
	})
	return err
}

func (e *Engine) currentSession(ctx context.Context) (*auth.Session, error) {
	return call(ctx, e, func(e *Engine) (*auth.Session, error) {
		if e.session == nil {
			return nil, auth.ErrNoSession
		}
		s := *e.session
		return &s, nil
	})
}

// CompleteProfile creates the signed-in user's profile. The phase moves to
// Ready through the profile feed.
func (e *Engine) CompleteProfile(ctx context.Context, displayName string) error {
	s, err := e.currentSession(ctx)
	if err != nil {
		return err
	}
	_, err = e.profiles.Complete(ctx, s, displayName)
	return err
}

func (e *Engine) UpdateProfile(ctx context.Context, displayName, about string) error {
	self, err := e.self(ctx)
	if err != nil {
		return err
	}
	return e.profiles.Update(ctx, self.UID, displayName, about)
}

func (e *Engine) SavePushToken(ctx context.Context, token string) error {
	self, err := e.self(ctx)
	if err != nil {
		return err
	}
	return e.presence.SavePushToken(ctx, self.UID, token)
}

// SignOut drops the device push token, marks the user offline and ends the
// session. The session scope is torn down when the session feed reports the
// end.
func (e *Engine) SignOut(ctx context.Context) error {
	s, err := e.currentSession(ctx)
	if err != nil {
		return err
	}
	if self, err := e.self(ctx); err == nil && self.PushToken != "" {
		if err := e.presence.RemovePushToken(ctx, s.UID); err != nil {
			e.logger.Warn("remove push token failed", slog.String(log.UserIDField, s.UID), log.Err(err))
		}
	}
	if err := e.presence.SetOffline(ctx, s.UID); err != nil {
		e.logger.Warn("set offline failed", slog.String(log.UserIDField, s.UID), log.Err(err))
	}
	e.sessions.SignOut()
	return nil
}
