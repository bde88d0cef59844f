package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/engine"
	"github.com/klipach/ultcom/gate"
	"github.com/klipach/ultcom/profile"
	"github.com/klipach/ultcom/stream"
)

const readyTimeout = 30 * time.Second

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Sign in with a phone number and complete the profile",
	Before: requiresStore,
	After:  closeStore,
	Action: cmdLogin,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Go offline and forget the saved session",
	Before: requiresStore,
	After:  closeStore,
	Action: cmdLogout,
}

var tokenCommand = &cli.Command{
	Name:   "token",
	Usage:  "Print an ID token for a user, using service account credentials",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "uid", Usage: "User UID for token generation", Required: true},
		&cli.BoolFlag{Name: "save", Usage: "Save the session as the current login"},
	},
	Action: cmdToken,
}

var inboxCommand = &cli.Command{
	Name:    "inbox",
	Aliases: []string{"i"},
	Usage:   "List rooms, most recent first",
	Before:  requiresStore,
	After:   closeStore,
	Action:  cmdInbox,
}

var profileCommand = &cli.Command{
	Name:  "profile",
	Usage: "Show your profile, or edit it with the flags",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "New display name"},
		&cli.StringFlag{Name: "about", Usage: "New about text"},
		&cli.StringFlag{Name: "push-token", Usage: "Register this device push token"},
	},
	Before: requiresStore,
	After:  closeStore,
	Action: cmdProfile,
}

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Chat in a room; type /retry to resend failed messages, /discard to drop them, /quit to leave",
	ArgsUsage: "[ROOM_ID]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "phone", Usage: "Start a chat with the user registered with this number"},
		&cli.IntFlag{Name: "history", Usage: "Number of earlier messages to print", Value: 20},
	},
	Before: requiresStore,
	After:  closeStore,
	Action: cmdChat,
}

// client runs an engine for one command and keeps its latest view.
type client struct {
	e        *engine.Engine
	sessions *auth.Manager
	cancel   context.CancelFunc
	done     chan error

	mu      sync.Mutex
	last    engine.View
	changed chan struct{}
}

func startClient(ctx *cli.Context, onView func(engine.View)) *client {
	c := &client{
		sessions: auth.NewManager(getToolkit(ctx)),
		done:     make(chan error, 1),
		changed:  make(chan struct{}, 1),
	}
	c.e = engine.New(getStore(ctx), c.sessions,
		engine.WithPhoneRules(getConfig(ctx).PhoneRules()),
		engine.OnView(func(v engine.View) {
			c.mu.Lock()
			c.last = v
			c.mu.Unlock()
			select {
			case c.changed <- struct{}{}:
			default:
			}
			if onView != nil {
				onView(v)
			}
		}),
	)
	runCtx, cancel := context.WithCancel(ctx.Context)
	c.cancel = cancel
	go func() { c.done <- c.e.Run(runCtx) }()
	return c
}

func (c *client) stop() {
	c.cancel()
	<-c.done
}

func (c *client) wait(ctx context.Context, cond func(engine.View) bool) (engine.View, error) {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	for {
		c.mu.Lock()
		v := c.last
		c.mu.Unlock()
		if cond(v) {
			return v, nil
		}
		select {
		case <-c.changed:
		case <-ctx.Done():
			if v.Notice != nil {
				return v, fmt.Errorf("%w: %w", ctx.Err(), v.Notice)
			}
			return v, ctx.Err()
		}
	}
}

func settled(v engine.View) bool {
	return v.Phase == gate.Ready || v.Phase == gate.ProfileIncomplete
}

// signedIn starts a client for the saved session and waits for Ready.
func signedIn(ctx *cli.Context, onView func(engine.View)) (*client, error) {
	sess, err := loadSession(ctx.String("session"))
	if err != nil {
		return nil, err
	}
	c := startClient(ctx, onView)
	c.sessions.SignIn(sess)
	v, err := c.wait(ctx.Context, settled)
	if err != nil {
		c.stop()
		return nil, err
	}
	if v.Phase != gate.Ready {
		c.stop()
		return nil, fmt.Errorf("profile is incomplete, run 'ultcomctl login' first")
	}
	return c, nil
}

func cmdLogin(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	raw, err := readLine("Phone number: ")
	if err != nil {
		return err
	}
	phone, err := chat.NormalizePhone(raw, cfg.PhoneRules())
	if err != nil {
		return err
	}

	c := startClient(ctx, nil)
	defer c.stop()

	ch, err := c.sessions.StartVerification(ctx.Context, phone)
	if err != nil {
		return fmt.Errorf("failed to send verification code: %w", err)
	}
	code, err := readLine("Code (from SMS): ")
	if err != nil {
		return err
	}
	if _, err := c.sessions.Confirm(ctx.Context, ch, code); err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}

	v, err := c.wait(ctx.Context, settled)
	if err != nil {
		return err
	}
	if v.Phase == gate.ProfileIncomplete {
		name, err := readLine("Display name: ")
		if err != nil {
			return err
		}
		if err := c.e.CompleteProfile(ctx.Context, name); err != nil {
			return fmt.Errorf("failed to complete profile: %w", err)
		}
		if v, err = c.wait(ctx.Context, func(v engine.View) bool { return v.Phase == gate.Ready }); err != nil {
			return err
		}
	}

	if err := saveSession(ctx.String("session"), c.sessions.Current()); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (%s)\n", v.Profile.DisplayName, phone)
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	c, err := signedIn(ctx, nil)
	if err != nil && !errors.Is(err, errNotLoggedIn) {
		return err
	}
	if c != nil {
		if err := c.e.SignOut(ctx.Context); err != nil {
			c.stop()
			return err
		}
		c.stop()
	}
	if err := os.Remove(ctx.String("session")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func cmdToken(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	projectID, err := cfg.ResolveProjectID(ctx.Context)
	if err != nil {
		return err
	}
	admin, err := auth.NewAdmin(ctx.Context, projectID, cfg.ClientOptions()...)
	if err != nil {
		return err
	}
	customToken, err := admin.CustomToken(ctx.Context, ctx.String("uid"))
	if err != nil {
		return err
	}
	sess, err := getToolkit(ctx).SignInWithCustomToken(ctx.Context, customToken)
	if err != nil {
		return fmt.Errorf("error exchanging custom token: %w", err)
	}
	if ctx.Bool("save") {
		if err := saveSession(ctx.String("session"), sess); err != nil {
			return err
		}
	}
	fmt.Println(sess.IDToken)
	return nil
}

func cmdInbox(ctx *cli.Context) error {
	c, err := signedIn(ctx, nil)
	if err != nil {
		return err
	}
	defer c.stop()

	v, err := c.wait(ctx.Context, func(v engine.View) bool { return v.InboxLoaded || v.InboxErr != nil })
	if err != nil {
		return err
	}
	if v.InboxErr != nil {
		return v.InboxErr
	}
	printInbox(ctx.App.Writer, v)
	return nil
}

func printInbox(w io.Writer, v engine.View) {
	if len(v.Inbox) == 0 {
		fmt.Fprintln(w, "No conversations yet")
		return
	}
	for _, e := range v.Inbox {
		badge := "   "
		if e.Unread > 0 {
			badge = fmt.Sprintf("(%d)", e.Unread)
		}
		fmt.Fprintf(w, "%s %-20s %-40s %s\n", badge, e.Peer.DisplayName, e.Preview, e.Room.ID)
	}
	fmt.Fprintf(w, "%d unread\n", v.TotalUnread)
}

func cmdProfile(ctx *cli.Context) error {
	c, err := signedIn(ctx, nil)
	if err != nil {
		return err
	}
	defer c.stop()

	v, err := c.e.View(ctx.Context)
	if err != nil {
		return err
	}
	u := v.Profile

	if ctx.IsSet("name") || ctx.IsSet("about") {
		name, about := u.DisplayName, u.About
		if ctx.IsSet("name") {
			name = ctx.String("name")
		}
		if ctx.IsSet("about") {
			about = ctx.String("about")
		}
		if err := c.e.UpdateProfile(ctx.Context, name, about); err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		name, about = strings.TrimSpace(name), strings.TrimSpace(about)
		if v, err = c.wait(ctx.Context, func(v engine.View) bool {
			return v.Profile != nil && v.Profile.DisplayName == name && v.Profile.About == about
		}); err != nil {
			return err
		}
		u = v.Profile
	}
	if token := ctx.String("push-token"); token != "" {
		if err := c.e.SavePushToken(ctx.Context, token); err != nil {
			return fmt.Errorf("failed to save push token: %w", err)
		}
	}
	printProfile(ctx.App.Writer, u)
	return nil
}

func printProfile(w io.Writer, u *contract.User) {
	fmt.Fprintf(w, "Name:  %s\n", u.DisplayName)
	fmt.Fprintf(w, "Phone: %s\n", u.PhoneNumber)
	fmt.Fprintf(w, "About: %s\n", profile.About(u))
}

// roomPrinter prints each message of the open room once it is confirmed,
// each failed send once, and each new notice.
type roomPrinter struct {
	w io.Writer

	mu      sync.Mutex
	printed map[string]stream.State
	notice  string
}

func newRoomPrinter(w io.Writer) *roomPrinter {
	return &roomPrinter{w: w, printed: make(map[string]stream.State)}
}

// backlog prints messages loaded before the live view, newest first as
// loaded, so the live view does not print them again.
func (p *roomPrinter) backlog(messages []contract.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		p.printed[m.ID] = stream.Confirmed
		p.line(m)
	}
}

func (p *roomPrinter) line(m contract.Message) {
	fmt.Fprintf(p.w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.User.Name, m.Text)
}

func (p *roomPrinter) print(v engine.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	notice := ""
	if v.Notice != nil {
		notice = v.Notice.Error()
	}
	if notice != p.notice {
		p.notice = notice
		if notice != "" {
			fmt.Fprintf(p.w, "! %s (type /discard to clear)\n", notice)
		}
	}
	if v.Room == nil {
		return
	}
	for i := len(v.Room.Messages) - 1; i >= 0; i-- {
		m := v.Room.Messages[i]
		if m.State == stream.Pending {
			continue
		}
		if prev, ok := p.printed[m.ID]; ok && prev == m.State {
			continue
		}
		p.printed[m.ID] = m.State
		switch m.State {
		case stream.Failed:
			fmt.Fprintf(p.w, "! not sent: %s (type /retry)\n", m.Text)
		default:
			p.line(m.Message)
		}
	}
}

func cmdChat(ctx *cli.Context) error {
	printer := newRoomPrinter(ctx.App.Writer)
	c, err := signedIn(ctx, printer.print)
	if err != nil {
		return err
	}
	defer c.stop()

	roomID, peerName := ctx.Args().First(), ""
	if phone := ctx.String("phone"); phone != "" {
		conn, err := c.e.Connect(ctx.Context, phone)
		if err != nil {
			return err
		}
		roomID, peerName = conn.Room.ID, conn.Other.DisplayName
	}
	if roomID == "" {
		return fmt.Errorf("give a ROOM_ID or --phone")
	}
	peerUID, ok := chat.PeerFromRoomID(roomID, c.sessions.Current().UID)
	if !ok {
		return chat.ErrNotMember
	}
	if peerName == "" {
		peerName = lookupPeerName(ctx, c, roomID, peerUID)
	}
	fmt.Fprintf(ctx.App.Writer, "Chatting with %s\n", peerName)

	history, err := chat.NewRooms(getStore(ctx)).LoadHistory(ctx.Context, roomID, ctx.Int("history"))
	if err != nil {
		return err
	}
	printer.backlog(history)

	if err := c.e.OpenRoom(ctx.Context, roomID); err != nil {
		return err
	}
	if _, err := c.wait(ctx.Context, func(v engine.View) bool { return v.Room != nil && v.Room.Loaded }); err != nil {
		return err
	}

	for {
		line, err := stdin.ReadString('\n')
		text := strings.TrimSpace(line)
		switch {
		case text == "/quit":
			return nil
		case text == "/retry", text == "/discard":
			v, _ := c.e.View(ctx.Context)
			if v.Room == nil {
				continue
			}
			for _, m := range v.Room.Failed {
				var err error
				if text == "/retry" {
					err = c.e.Retry(ctx.Context, m.ID)
				} else {
					err = c.e.DiscardFailed(ctx.Context, m.ID)
				}
				if err != nil {
					fmt.Fprintf(ctx.App.ErrWriter, "%s failed: %v\n", text[1:], err)
				}
			}
			if text == "/discard" {
				if err := c.e.DismissNotice(ctx.Context); err != nil {
					return err
				}
			}
		case text != "":
			if _, err := c.e.Send(ctx.Context, text); err != nil {
				fmt.Fprintf(ctx.App.ErrWriter, "send failed: %v\n", err)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// lookupPeerName names the other participant from the inbox, falling back
// to their profile for rooms the inbox does not list.
func lookupPeerName(ctx *cli.Context, c *client, roomID, peerUID string) string {
	v, err := c.wait(ctx.Context, func(v engine.View) bool { return v.InboxLoaded || v.InboxErr != nil })
	if err == nil {
		if name, ok := inboxPeerName(v, roomID); ok {
			return name
		}
	}
	u, err := chat.NewDirectory(getStore(ctx), getConfig(ctx).PhoneRules()).Get(ctx.Context, peerUID)
	if err != nil || u.DisplayName == "" {
		return stream.UnknownPeerName
	}
	return u.DisplayName
}

func inboxPeerName(v engine.View, roomID string) (string, bool) {
	for _, e := range v.Inbox {
		if e.Room.ID == roomID {
			return e.Peer.DisplayName, true
		}
	}
	return "", false
}
