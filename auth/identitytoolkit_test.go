package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolkitServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		write := func(status int, v any) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(v)
		}
		fail := func(msg string) {
			write(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": 400, "message": msg}})
		}

		switch strings.TrimPrefix(r.URL.Path, "/v1/accounts:") {
		case "sendVerificationCode":
			if body["phoneNumber"] == "+000" {
				fail("INVALID_PHONE_NUMBER : Invalid format.")
				return
			}
			write(http.StatusOK, map[string]any{"sessionInfo": "session-1"})
		case "signInWithPhoneNumber":
			if body["code"] != "123456" {
				fail("INVALID_CODE")
				return
			}
			write(http.StatusOK, map[string]any{"idToken": "id-1", "localId": "u1", "phoneNumber": "+919876543210"})
		case "signInWithCustomToken":
			write(http.StatusOK, map[string]any{"idToken": "id-2", "localId": "u2"})
		case "lookup":
			users := map[string]any{
				"id-1": map[string]any{"localId": "u1", "displayName": "Ann"},
				"id-2": map[string]any{"localId": "u2", "phoneNumber": "+919123456789", "photoUrl": "https://cdn/bob.png"},
			}
			write(http.StatusOK, map[string]any{"users": []any{users[body["idToken"].(string)]}})
		case "update":
			if body["idToken"] == "expired" {
				fail("TOKEN_EXPIRED")
				return
			}
			write(http.StatusOK, map[string]any{"localId": "u1", "displayName": body["displayName"], "idToken": "id-3"})
		default:
			write(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": 500, "message": "BOOM"}})
		}
	}))
}

func TestIdentityToolkitPhoneSignIn(t *testing.T) {
	ctx := context.Background()
	srv := newToolkitServer(t)
	defer srv.Close()
	it := NewIdentityToolkit("test-key", WithBaseURL(srv.URL+"/v1/"), WithHTTPClient(srv.Client()))

	_, err := it.StartVerification(ctx, "+000")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	ch, err := it.StartVerification(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, "session-1", ch.SessionInfo)

	_, err = it.Confirm(ctx, ch, "999999")
	assert.ErrorIs(t, err, ErrInvalidCode)

	s, err := it.Confirm(ctx, ch, "123456")
	require.NoError(t, err)
	assert.Equal(t, &Session{UID: "u1", DisplayName: "Ann", PhoneNumber: "+919876543210", IDToken: "id-1"}, s)
}

func TestIdentityToolkitCustomToken(t *testing.T) {
	srv := newToolkitServer(t)
	defer srv.Close()
	it := NewIdentityToolkit("test-key", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))

	s, err := it.SignInWithCustomToken(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, "u2", s.UID)
	assert.Equal(t, "+919123456789", s.PhoneNumber)
	assert.Equal(t, "https://cdn/bob.png", s.AvatarURL)
}

func TestIdentityToolkitUpdateProfile(t *testing.T) {
	ctx := context.Background()
	srv := newToolkitServer(t)
	defer srv.Close()
	it := NewIdentityToolkit("test-key", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))

	name := "Ann B."
	s, err := it.UpdateProfile(ctx, &Session{UID: "u1", IDToken: "id-1", AvatarURL: "a.png"}, ProfileUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ann B.", s.DisplayName)
	assert.Equal(t, "a.png", s.AvatarURL)
	assert.Equal(t, "id-3", s.IDToken)

	_, err = it.UpdateProfile(ctx, &Session{UID: "u1", IDToken: "expired"}, ProfileUpdate{DisplayName: &name})
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = it.UpdateProfile(ctx, nil, ProfileUpdate{})
	assert.ErrorIs(t, err, ErrNoSession)
}
