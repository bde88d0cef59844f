// Package profile creates and edits users/{uid} documents and watches
// whether the signed-in user has one.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/store"
)

const DefaultAbout = "Hey there! I am using UltCom."

var ErrEmptyName = errors.New("display name is empty")

// ProfileUpdater pushes profile claims to the identity provider.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, upd auth.ProfileUpdate) (*auth.Session, error)
}

type Service struct {
	store store.Store
	auth  ProfileUpdater
}

func NewService(s store.Store, updater ProfileUpdater) *Service {
	return &Service{store: s, auth: updater}
}

// Complete creates the profile document of the session's user. Creating it
// is what moves the user from profile setup to ready; callers observe that
// through Watch, not through the return value.
func (s *Service) Complete(ctx context.Context, sess *auth.Session, displayName string) (*contract.User, error) {
	if sess == nil {
		return nil, auth.ErrNoSession
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, ErrEmptyName
	}

	if _, err := s.auth.UpdateProfile(ctx, auth.ProfileUpdate{DisplayName: &name}); err != nil {
		return nil, fmt.Errorf("update provider profile: %w", err)
	}

	u := &contract.User{
		UID:         sess.UID,
		PhoneNumber: sess.PhoneNumber,
		DisplayName: name,
		About:       DefaultAbout,
		AvatarURL:   sess.AvatarURL,
	}
	if err := s.store.Set(ctx, contract.UserPath(sess.UID), u); err != nil {
		return nil, fmt.Errorf("create profile %s: %w", sess.UID, err)
	}
	log.LoggerFromContext(ctx).Info("profile created", slog.String(log.UserIDField, sess.UID))
	return u, nil
}

// Update edits the display name and about text of an existing profile.
// Rooms keep the display name they were created with.
func (s *Service) Update(ctx context.Context, uid, displayName, about string) error {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return ErrEmptyName
	}
	err := s.store.Update(ctx, contract.UserPath(uid), []store.Update{
		{Path: []string{"displayName"}, Value: name},
		{Path: []string{"about"}, Value: strings.TrimSpace(about)},
	})
	if err != nil {
		return fmt.Errorf("update profile %s: %w", uid, err)
	}
	if _, err := s.auth.UpdateProfile(ctx, auth.ProfileUpdate{DisplayName: &name}); err != nil {
		return fmt.Errorf("update provider profile: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, uid string) (*contract.User, error) {
	snap, err := s.store.Get(ctx, contract.UserPath(uid))
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", uid, err)
	}
	return decode(snap)
}

// About returns the about text to show for u.
func About(u *contract.User) string {
	if u == nil || u.About == "" {
		return DefaultAbout
	}
	return u.About
}

// Watch follows the profile document of uid. fn gets a nil user while the
// document does not exist.
func Watch(ctx context.Context, s store.Store, uid string, fn func(*contract.User, error)) store.Subscription {
	return s.SubscribeDoc(ctx, contract.UserPath(uid), func(doc *store.Snapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(decode(doc))
	})
}

func decode(snap *store.Snapshot) (*contract.User, error) {
	if !snap.Exists() {
		return nil, nil
	}
	var u contract.User
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", snap.ID, err)
	}
	if u.UID == "" {
		u.UID = snap.ID
	}
	return &u, nil
}
