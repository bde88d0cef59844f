package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"

// IdentityToolkit talks to the Identity Toolkit REST API: phone number
// verification, custom token sign-in and profile updates on behalf of a
// signed-in user.
type IdentityToolkit struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type IdentityToolkitOption func(*IdentityToolkit)

func WithBaseURL(u string) IdentityToolkitOption {
	return func(it *IdentityToolkit) {
		it.baseURL = strings.TrimRight(u, "/")
	}
}

func WithHTTPClient(c *http.Client) IdentityToolkitOption {
	return func(it *IdentityToolkit) {
		it.client = c
	}
}

func NewIdentityToolkit(apiKey string, opts ...IdentityToolkitOption) *IdentityToolkit {
	it := &IdentityToolkit{
		baseURL: DefaultIdentityToolkitURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	PhoneNumber  string `json:"phoneNumber"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
}

type lookupResponse struct {
	Users []struct {
		LocalID     string `json:"localId"`
		PhoneNumber string `json:"phoneNumber"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
	} `json:"users"`
}

func (it *IdentityToolkit) call(ctx context.Context, method string, payload, out any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling payload: %w", err)
	}
	url := fmt.Sprintf("%s/accounts:%s?key=%s", it.baseURL, method, it.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := it.client.Do(req)
	if err != nil {
		return fmt.Errorf("error making POST request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return providerError(method, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error unmarshalling %s response: %w", method, err)
	}
	return nil
}

// providerError maps the provider's error codes onto this package's
// sentinels where a caller can act on them.
func providerError(method string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	code := apiErr.Error.Message
	// Messages look like "INVALID_PHONE_NUMBER : Invalid format."
	if i := strings.IndexByte(code, ' '); i > 0 {
		code = code[:i]
	}
	var sentinel error
	switch code {
	case "INVALID_CODE", "SESSION_EXPIRED", "INVALID_SESSION_INFO", "CODE_EXPIRED":
		sentinel = ErrInvalidCode
	case "INVALID_PHONE_NUMBER", "MISSING_PHONE_NUMBER":
		sentinel = ErrInvalidPhone
	case "INVALID_ID_TOKEN", "TOKEN_EXPIRED", "USER_NOT_FOUND":
		sentinel = ErrNoSession
	}
	if sentinel != nil {
		return fmt.Errorf("%s: %w", method, sentinel)
	}
	return fmt.Errorf("%s: non-OK HTTP status: %d, response: %s", method, status, string(body))
}

func (it *IdentityToolkit) StartVerification(ctx context.Context, phoneNumber string) (*Challenge, error) {
	if phoneNumber == "" {
		return nil, ErrInvalidPhone
	}
	var resp struct {
		SessionInfo string `json:"sessionInfo"`
	}
	if err := it.call(ctx, "sendVerificationCode", map[string]any{"phoneNumber": phoneNumber}, &resp); err != nil {
		return nil, err
	}
	return &Challenge{PhoneNumber: phoneNumber, SessionInfo: resp.SessionInfo}, nil
}

func (it *IdentityToolkit) Confirm(ctx context.Context, ch *Challenge, code string) (*Session, error) {
	if ch == nil || ch.SessionInfo == "" || code == "" {
		return nil, ErrInvalidCode
	}
	var resp signInResponse
	payload := map[string]any{"sessionInfo": ch.SessionInfo, "code": code}
	if err := it.call(ctx, "signInWithPhoneNumber", payload, &resp); err != nil {
		return nil, err
	}
	return it.session(ctx, resp)
}

// SignInWithCustomToken exchanges an Admin SDK custom token for a session.
func (it *IdentityToolkit) SignInWithCustomToken(ctx context.Context, customToken string) (*Session, error) {
	var resp signInResponse
	payload := map[string]any{"token": customToken, "returnSecureToken": true}
	if err := it.call(ctx, "signInWithCustomToken", payload, &resp); err != nil {
		return nil, err
	}
	return it.session(ctx, resp)
}

// session completes a sign-in response with the profile claims, which the
// sign-in endpoints do not all return.
func (it *IdentityToolkit) session(ctx context.Context, resp signInResponse) (*Session, error) {
	if resp.IDToken == "" || resp.LocalID == "" {
		return nil, errors.New("sign-in response without idToken or localId")
	}
	s := &Session{
		UID:         resp.LocalID,
		PhoneNumber: resp.PhoneNumber,
		DisplayName: resp.DisplayName,
		AvatarURL:   resp.PhotoURL,
		IDToken:     resp.IDToken,
	}
	var lookup lookupResponse
	if err := it.call(ctx, "lookup", map[string]any{"idToken": resp.IDToken}, &lookup); err != nil {
		return nil, err
	}
	for _, u := range lookup.Users {
		if u.LocalID != s.UID {
			continue
		}
		s.PhoneNumber = firstNonEmpty(u.PhoneNumber, s.PhoneNumber)
		s.DisplayName = firstNonEmpty(u.DisplayName, s.DisplayName)
		s.AvatarURL = firstNonEmpty(u.PhotoURL, s.AvatarURL)
	}
	return s, nil
}

func (it *IdentityToolkit) UpdateProfile(ctx context.Context, s *Session, upd ProfileUpdate) (*Session, error) {
	if s == nil || s.IDToken == "" {
		return nil, ErrNoSession
	}
	payload := map[string]any{"idToken": s.IDToken, "returnSecureToken": true}
	if upd.DisplayName != nil {
		payload["displayName"] = *upd.DisplayName
	}
	if upd.AvatarURL != nil {
		payload["photoUrl"] = *upd.AvatarURL
	}
	var resp signInResponse
	if err := it.call(ctx, "update", payload, &resp); err != nil {
		return nil, err
	}
	updated := *s
	if upd.DisplayName != nil {
		updated.DisplayName = *upd.DisplayName
	}
	if upd.AvatarURL != nil {
		updated.AvatarURL = *upd.AvatarURL
	}
	if resp.IDToken != "" {
		updated.IDToken = resp.IDToken
	}
	return &updated, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
