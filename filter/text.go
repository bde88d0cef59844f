// Package filter checks message text before it is stored and derives the
// one-line preview shown in the inbox.
package filter

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

const (
	MaxMessageLength = 4096
	PreviewLength    = 60
	ellipsis         = "…"
)

var (
	ErrEmptyText = errors.New("message text is empty")
	ErrTooLong   = errors.New("message text is too long")
	ErrEncoding  = errors.New("message text is not valid UTF-8")
)

var strict = bluemonday.StrictPolicy()

// Sanitize trims surrounding whitespace from a message body and otherwise
// stores it as typed. Markup is only stripped when text is rendered, see
// Preview. A body that is empty afterwards is rejected before any write.
func Sanitize(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrEncoding
	}
	clean := strings.TrimSpace(text)
	if clean == "" {
		return "", ErrEmptyText
	}
	if n := utf8.RuneCountInString(clean); n > MaxMessageLength {
		return "", fmt.Errorf("%w: %d characters", ErrTooLong, n)
	}
	return clean, nil
}

// Preview renders markdown in text and returns its plain words on one line,
// cut to PreviewLength runes.
func Preview(text string) string {
	rendered := blackfriday.Run([]byte(text), blackfriday.WithExtensions(blackfriday.CommonExtensions))
	plain := html.UnescapeString(string(strict.SanitizeBytes(rendered)))
	plain = strings.Join(strings.Fields(plain), " ")
	return truncate(plain, PreviewLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + ellipsis
}
