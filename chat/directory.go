package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/store"
)

var (
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrUserNotFound = errors.New("user not found")
	// ErrPeerNotReady is returned for a number that has signed in but has
	// no profile yet, so there is no name to start a room with.
	ErrPeerNotReady = errors.New("user has not finished signing up")
)

// PhoneLookup resolves a phone number against the auth provider's user
// records. An unknown number yields an empty uid and no error.
type PhoneLookup interface {
	LookupPhone(ctx context.Context, phoneNumber string) (string, error)
}

// PhoneRules controls phone number normalization.
type PhoneRules struct {
	DefaultCountryCode string
	MinDigits          int
}

var DefaultPhoneRules = PhoneRules{DefaultCountryCode: "+91", MinDigits: 10}

// NormalizePhone strips spaces, dashes, dots and parentheses, requires at
// least MinDigits digits and prefixes DefaultCountryCode when the number has
// no leading "+".
func NormalizePhone(raw string, rules PhoneRules) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	digits, international := strings.CutPrefix(cleaned, "+")
	if digits == "" || strings.ContainsFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	if len(digits) < rules.MinDigits {
		return "", fmt.Errorf("%w: %q is too short", ErrInvalidPhone, raw)
	}
	if international {
		return cleaned, nil
	}
	return rules.DefaultCountryCode + digits, nil
}

// Directory looks users up in users/{uid}.
type Directory struct {
	store  store.Store
	rules  PhoneRules
	lookup PhoneLookup
}

func NewDirectory(s store.Store, rules PhoneRules) *Directory {
	return &Directory{store: s, rules: rules}
}

// WithPhoneLookup makes FindByPhone tell numbers the provider knows apart
// from numbers nobody uses.
func (d *Directory) WithPhoneLookup(l PhoneLookup) *Directory {
	d.lookup = l
	return d
}

func (d *Directory) Rules() PhoneRules {
	return d.rules
}

// FindByPhone returns the user registered with the phone number. A number
// nobody uses is reported as ErrUserNotFound, and a number whose owner has
// no profile yet as ErrPeerNotReady when a PhoneLookup is set.
func (d *Directory) FindByPhone(ctx context.Context, raw string) (*contract.User, error) {
	phone, err := NormalizePhone(raw, d.rules)
	if err != nil {
		return nil, err
	}
	docs, err := d.store.Query(ctx, store.Collection(contract.UsersCollection).WhereEquals("phoneNumber", phone).Limit(1))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", phone, err)
	}
	if len(docs) == 0 {
		return nil, d.classifyMissing(ctx, phone)
	}
	var u contract.User
	if err := docs[0].DataTo(&u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", docs[0].ID, err)
	}
	if u.UID == "" {
		u.UID = docs[0].ID
	}
	return &u, nil
}

func (d *Directory) Get(ctx context.Context, uid string) (*contract.User, error) {
	snap, err := d.store.Get(ctx, contract.UserPath(uid))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", uid, err)
	}
	if !snap.Exists() {
		return nil, ErrUserNotFound
	}
	var u contract.User
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", uid, err)
	}
	if u.UID == "" {
		u.UID = uid
	}
	return &u, nil
}

func (d *Directory) classifyMissing(ctx context.Context, phone string) error {
	if d.lookup == nil {
		return ErrUserNotFound
	}
	uid, err := d.lookup.LookupPhone(ctx, phone)
	if err != nil {
		log.LoggerFromContext(ctx).Warn("provider phone lookup failed", log.Err(err))
		return ErrUserNotFound
	}
	if uid == "" {
		return ErrUserNotFound
	}
	log.LoggerFromContext(ctx).Info("phone owner has no profile", slog.String(log.UserIDField, uid))
	return fmt.Errorf("%w: %s", ErrPeerNotReady, phone)
}
