package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/filter"
	"github.com/klipach/ultcom/gate"
	"github.com/klipach/ultcom/inflight"
	"github.com/klipach/ultcom/store"
	"github.com/klipach/ultcom/stream"
)

const waitFor = 2 * time.Second

type profileProvider struct{}

func (profileProvider) StartVerification(context.Context, string) (*auth.Challenge, error) {
	return nil, errors.New("not used")
}

func (profileProvider) Confirm(context.Context, *auth.Challenge, string) (*auth.Session, error) {
	return nil, errors.New("not used")
}

func (profileProvider) UpdateProfile(_ context.Context, s *auth.Session, upd auth.ProfileUpdate) (*auth.Session, error) {
	c := *s
	if upd.DisplayName != nil {
		c.DisplayName = *upd.DisplayName
	}
	return &c, nil
}

type client struct {
	e        *Engine
	sessions *auth.Manager
	errc     chan error
	cancel   context.CancelFunc

	mu   sync.Mutex
	last View
}

func startClient(t *testing.T, s store.Store, opts ...Option) *client {
	t.Helper()
	c := &client{sessions: auth.NewManager(profileProvider{}), errc: make(chan error, 1)}
	opts = append(opts, OnView(func(v View) {
		c.mu.Lock()
		c.last = v
		c.mu.Unlock()
	}))
	c.e = New(s, c.sessions, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() { c.errc <- c.e.Run(ctx) }()
	t.Cleanup(c.stop)
	return c
}

func (c *client) stop() {
	c.cancel()
	<-c.errc
	c.errc <- context.Canceled
}

func (c *client) view() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *client) waitView(t *testing.T, what string, cond func(View) bool) View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.view()) }, waitFor, 5*time.Millisecond, what)
	return c.view()
}

func (c *client) waitPhase(t *testing.T, phase gate.Phase) {
	t.Helper()
	c.waitView(t, "phase "+phase.String(), func(v View) bool { return v.Phase == phase })
}

// ready signs uid in and completes the profile.
func (c *client) ready(t *testing.T, uid, phone, name string) {
	t.Helper()
	c.waitPhase(t, gate.Unauthenticated)
	c.sessions.SignIn(&auth.Session{UID: uid, PhoneNumber: phone})
	c.waitPhase(t, gate.ProfileIncomplete)
	require.NoError(t, c.e.CompleteProfile(context.Background(), name))
	c.waitPhase(t, gate.Ready)
}

func inboxEntry(v View, roomID string) (stream.Entry, bool) {
	for _, e := range v.Inbox {
		if e.Room.ID == roomID {
			return e, true
		}
	}
	return stream.Entry{}, false
}

func getRoom(t *testing.T, s store.Store, roomID string) *contract.ChatRoom {
	t.Helper()
	room, err := chat.NewRooms(s).Get(context.Background(), roomID)
	require.NoError(t, err)
	return room
}

func pair(t *testing.T) (*store.Memory, *client, *client) {
	t.Helper()
	mem := store.NewMemory()
	a := startClient(t, mem)
	b := startClient(t, mem)
	a.ready(t, "u1", "+919876543210", "Ann")
	b.ready(t, "u2", "+919123456789", "Bob")
	return mem, a, b
}

func TestFirstContactScenario(t *testing.T) {
	ctx := context.Background()
	mem, a, b := pair(t)

	conn, err := a.e.Connect(ctx, "91234 56789")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", conn.Room.ID)
	assert.Equal(t, "u2", conn.Other.UID)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, getRoom(t, mem, "u1_u2").UnreadCount)

	b.waitView(t, "room in b's inbox", func(v View) bool {
		e, ok := inboxEntry(v, "u1_u2")
		return ok && e.Peer.DisplayName == "Ann"
	})

	require.NoError(t, a.e.OpenRoom(ctx, "u1_u2"))
	require.NoError(t, a.e.SendWithID(ctx, "m1", "hi"))

	room := getRoom(t, mem, "u1_u2")
	assert.Equal(t, "hi", room.LastMessage.Text)
	assert.Equal(t, "u1", room.LastMessage.User.ID)
	assert.Equal(t, 1, room.UnreadCount["u2"])
	assert.Equal(t, 0, room.UnreadCount["u1"])

	v := b.waitView(t, "unread badge on b", func(v View) bool {
		e, ok := inboxEntry(v, "u1_u2")
		return ok && e.Unread == 1 && e.Preview == "hi"
	})
	assert.Equal(t, 1, v.TotalUnread)

	require.NoError(t, b.e.OpenRoom(ctx, "u1_u2"))
	v = b.waitView(t, "b sees the message", func(v View) bool {
		return v.Room != nil && v.Room.Loaded && len(v.Room.Messages) == 1
	})
	assert.Equal(t, "hi", v.Room.Messages[0].Text)
	assert.Equal(t, stream.Confirmed, v.Room.Messages[0].State)
	assert.Equal(t, stream.Peer{UID: "u1", DisplayName: "Ann"}, v.Room.Peer)

	require.Eventually(t, func() bool {
		return getRoom(t, mem, "u1_u2").UnreadCount["u2"] == 0
	}, waitFor, 5*time.Millisecond)
	b.waitView(t, "b's badge cleared", func(v View) bool { return v.TotalUnread == 0 })

	a.waitView(t, "a's echo replaced", func(v View) bool {
		return v.Room != nil && len(v.Room.Messages) == 1 && v.Room.Messages[0].State == stream.Confirmed
	})
}

func TestInboxOrderFollowsSends(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	a := startClient(t, mem)
	b := startClient(t, mem)
	c := startClient(t, mem)
	a.ready(t, "u1", "+919876543210", "Ann")
	b.ready(t, "u2", "+919123456789", "Bob")
	c.ready(t, "u3", "+919000000003", "Cy")

	_, err := a.e.Connect(ctx, "+919123456789")
	require.NoError(t, err)
	_, err = a.e.Connect(ctx, "+919000000003")
	require.NoError(t, err)

	for _, roomID := range []string{"u1_u2", "u1_u3", "u1_u2"} {
		require.NoError(t, a.e.OpenRoom(ctx, roomID))
		_, err := a.e.Send(ctx, "ping "+roomID)
		require.NoError(t, err)
	}

	v := a.waitView(t, "inbox reflects last send", func(v View) bool {
		return len(v.Inbox) == 2 && v.Inbox[0].Room.ID == "u1_u2" && v.Inbox[0].Preview == "ping u1_u2"
	})
	assert.False(t, v.Inbox[1].Room.UpdatedAt.After(v.Inbox[0].Room.UpdatedAt))
}

func TestDoubleTapSendWritesOnce(t *testing.T) {
	ctx := context.Background()
	mem, a, _ := pair(t)

	_, err := a.e.Connect(ctx, "+919123456789")
	require.NoError(t, err)
	require.NoError(t, a.e.OpenRoom(ctx, "u1_u2"))

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	mem.SetWriteHook(func(op, path string) error {
		if strings.HasPrefix(path, contract.MessagesPath("u1_u2")) {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	first := make(chan error, 1)
	go func() { first <- a.e.SendWithID(ctx, "m1", "again") }()
	<-entered

	assert.ErrorIs(t, a.e.SendWithID(ctx, "m1", "again"), inflight.ErrInProgress)
	close(release)
	require.NoError(t, <-first)
	mem.SetWriteHook(nil)

	a.waitView(t, "message confirmed", func(v View) bool {
		return v.Room != nil && len(v.Room.Messages) == 1 && v.Room.Messages[0].State == stream.Confirmed
	})
	// The same id sent again after it landed is a no-op.
	require.NoError(t, a.e.SendWithID(ctx, "m1", "again"))

	docs, err := mem.Query(ctx, chat.MessagesQuery("u1_u2"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, 1, getRoom(t, mem, "u1_u2").UnreadCount["u2"])
}

func TestFailedSendCanBeRetried(t *testing.T) {
	ctx := context.Background()
	mem, a, _ := pair(t)

	_, err := a.e.Connect(ctx, "+919123456789")
	require.NoError(t, err)
	require.NoError(t, a.e.OpenRoom(ctx, "u1_u2"))
	a.waitView(t, "room loaded", func(v View) bool { return v.Room != nil && v.Room.Loaded })

	unavailable := errors.New("unavailable")
	mem.SetWriteHook(func(op, path string) error {
		if strings.HasPrefix(path, contract.MessagesPath("u1_u2")) {
			return unavailable
		}
		return nil
	})
	err = a.e.SendWithID(ctx, "m1", "hello")
	require.ErrorIs(t, err, unavailable)

	v := a.waitView(t, "failed message shown", func(v View) bool {
		return v.Room != nil && len(v.Room.Failed) == 1
	})
	require.Len(t, v.Room.Messages, 1)
	assert.Equal(t, stream.Failed, v.Room.Messages[0].State)
	assert.ErrorIs(t, v.Notice, unavailable)

	assert.ErrorIs(t, a.e.Retry(ctx, "nope"), ErrUnknownMessage)

	mem.SetWriteHook(nil)
	require.NoError(t, a.e.Retry(ctx, "m1"))
	v = a.waitView(t, "retried message confirmed", func(v View) bool {
		return v.Room != nil && len(v.Room.Failed) == 0 && len(v.Room.Messages) == 1 &&
			v.Room.Messages[0].State == stream.Confirmed
	})
	assert.Equal(t, "hello", v.Room.Messages[0].Text)

	require.NoError(t, a.e.DismissNotice(ctx))
	v, err = a.e.View(ctx)
	require.NoError(t, err)
	assert.NoError(t, v.Notice)
}

func TestSummaryFailureIsNotReported(t *testing.T) {
	ctx := context.Background()
	mem, a, _ := pair(t)

	_, err := a.e.Connect(ctx, "+919123456789")
	require.NoError(t, err)
	require.NoError(t, a.e.OpenRoom(ctx, "u1_u2"))
	a.waitView(t, "room loaded", func(v View) bool { return v.Room != nil && v.Room.Loaded })

	mem.SetWriteHook(func(op, path string) error {
		if op == "update" && path == contract.RoomPath("u1_u2") {
			return errors.New("deadline exceeded")
		}
		return nil
	})
	require.NoError(t, a.e.SendWithID(ctx, "m1", "hi"))
	mem.SetWriteHook(nil)

	a.waitView(t, "message confirmed", func(v View) bool {
		return v.Room != nil && len(v.Room.Messages) == 1 && v.Room.Messages[0].State == stream.Confirmed
	})
	assert.Equal(t, "Chat created", getRoom(t, mem, "u1_u2").LastMessage.Text)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	a := startClient(t, mem)

	a.waitPhase(t, gate.Unauthenticated)
	assert.ErrorIs(t, a.e.SendWithID(ctx, "m1", "hi"), ErrNotReady)
	_, err := a.e.Connect(ctx, "+919123456789")
	assert.ErrorIs(t, err, ErrNotReady)

	a.ready(t, "u1", "+919876543210", "Ann")
	assert.ErrorIs(t, a.e.SendWithID(ctx, "m1", "hi"), ErrNoRoom)
	assert.ErrorIs(t, a.e.SendWithID(ctx, "m1", "   "), filter.ErrEmptyText)
	assert.ErrorIs(t, a.e.OpenRoom(ctx, "u2_u3"), chat.ErrNotMember)

	_, err = a.e.Connect(ctx, "+919876543210")
	assert.ErrorIs(t, err, chat.ErrSelfChat)
	_, err = a.e.Connect(ctx, "+919000000000")
	assert.ErrorIs(t, err, chat.ErrUserNotFound)
	_, err = a.e.Connect(ctx, "12")
	assert.ErrorIs(t, err, chat.ErrInvalidPhone)
}

func TestProfileCreatedElsewhereMakesReady(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	a := startClient(t, mem)

	a.waitPhase(t, gate.Unauthenticated)
	a.sessions.SignIn(&auth.Session{UID: "u1"})
	a.waitPhase(t, gate.ProfileIncomplete)

	require.NoError(t, mem.Set(ctx, contract.UserPath("u1"), contract.User{UID: "u1", DisplayName: "Ann"}))
	v := a.waitView(t, "ready without any action", func(v View) bool { return v.Phase == gate.Ready })
	assert.Equal(t, "Ann", v.Profile.DisplayName)
}

func TestProfileFeedErrorIsANotice(t *testing.T) {
	mem := store.NewMemory()
	a := startClient(t, mem)
	a.waitPhase(t, gate.Unauthenticated)

	a.sessions.SignIn(&auth.Session{UID: "u1"})
	a.waitPhase(t, gate.ProfileIncomplete)

	denied := errors.New("permission denied")
	mem.EmitError(contract.UserPath("u1"), denied)
	v := a.waitView(t, "notice shown", func(v View) bool { return v.Notice != nil })
	assert.ErrorIs(t, v.Notice, denied)
	assert.Equal(t, gate.ProfileIncomplete, v.Phase)
	assert.Equal(t, "u1", v.Session.UID)
}

func TestSignOutTearsDownSubscriptions(t *testing.T) {
	ctx := context.Background()
	mem, a, b := pair(t)

	_, err := a.e.Connect(ctx, "+919123456789")
	require.NoError(t, err)
	require.NoError(t, a.e.OpenRoom(ctx, "u1_u2"))
	require.NoError(t, b.e.OpenRoom(ctx, "u1_u2"))
	a.waitView(t, "room loaded", func(v View) bool { return v.Room != nil && v.Room.Loaded })

	// profile, inbox, messages and peer status for each client.
	require.Eventually(t, func() bool { return mem.Subscriptions() == 8 }, waitFor, 5*time.Millisecond)

	require.NoError(t, a.e.SignOut(ctx))
	v := a.waitView(t, "a signed out", func(v View) bool { return v.Phase == gate.Unauthenticated })
	assert.Nil(t, v.Session)
	assert.Nil(t, v.Room)
	assert.Nil(t, v.Inbox)

	u, err := chat.NewDirectory(mem, chat.DefaultPhoneRules).Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)

	require.Eventually(t, func() bool { return mem.Subscriptions() == 4 }, waitFor, 5*time.Millisecond)

	b.stop()
	assert.Equal(t, 0, mem.Subscriptions())
	assert.ErrorIs(t, b.e.OpenRoom(ctx, "u1_u2"), ErrStopped)
}

func TestSignOutDropsPushToken(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	a := startClient(t, mem)
	a.ready(t, "u1", "+919876543210", "Ann")

	require.NoError(t, a.e.SavePushToken(ctx, "ExponentPushToken[abc]"))
	a.waitView(t, "token in profile", func(v View) bool {
		return v.Profile != nil && v.Profile.PushToken == "ExponentPushToken[abc]"
	})

	require.NoError(t, a.e.SignOut(ctx))
	a.waitPhase(t, gate.Unauthenticated)

	u, err := chat.NewDirectory(mem, chat.DefaultPhoneRules).Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.PushToken)
	assert.False(t, u.IsOnline)
}

func TestUserSwitch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, contract.UserPath("u1"), contract.User{UID: "u1", DisplayName: "Ann"}))
	a := startClient(t, mem)

	a.waitPhase(t, gate.Unauthenticated)
	a.sessions.SignIn(&auth.Session{UID: "u1"})
	a.waitPhase(t, gate.Ready)

	a.sessions.SignIn(&auth.Session{UID: "u9"})
	v := a.waitView(t, "new user without profile", func(v View) bool {
		return v.Phase == gate.ProfileIncomplete && v.Session != nil && v.Session.UID == "u9"
	})
	assert.Nil(t, v.Profile)
	assert.Equal(t, 1, mem.Subscriptions())
}

func TestStaleEventsAreDropped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, contract.UserPath("u1"), contract.User{UID: "u1", DisplayName: "Ann"}))
	a := startClient(t, mem)

	a.waitPhase(t, gate.Unauthenticated)
	a.sessions.SignIn(&auth.Session{UID: "u1"})
	a.waitPhase(t, gate.Ready)

	gen, err := call(ctx, a.e, func(e *Engine) (uint64, error) { return e.profileSub.gen, nil })
	require.NoError(t, err)

	a.sessions.SignOut()
	a.waitPhase(t, gate.Unauthenticated)

	// A profile snapshot from the stopped subscription arrives late.
	v, err := call(ctx, a.e, func(e *Engine) (View, error) {
		e.onProfile(gen, "u1", &contract.User{UID: "u1"}, nil)
		e.onInbox(gen, nil, errors.New("late"))
		return e.view(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, gate.Unauthenticated, v.Phase)
	assert.Nil(t, v.Profile)
	assert.NoError(t, v.Notice)
}

func TestRunTwice(t *testing.T) {
	a := startClient(t, store.NewMemory())
	a.waitPhase(t, gate.Unauthenticated)
	assert.ErrorIs(t, a.e.Run(context.Background()), ErrRunning)
}
