package auth

import (
	"context"
	"fmt"
	"net/http"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// Admin verifies ID tokens and manages users with the Firebase Admin SDK.
type Admin struct {
	client *fbauth.Client
}

func NewAdmin(ctx context.Context, projectID string, opts ...option.ClientOption) (*Admin, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Auth client: %w", err)
	}
	return &Admin{client: client}, nil
}

// Authenticate verifies the bearer ID token of req.
func (a *Admin) Authenticate(req *http.Request) (*Session, error) {
	jwtToken, err := BearerTokenFromRequest(req)
	if err != nil {
		return nil, err
	}
	return a.Verify(req.Context(), jwtToken)
}

func (a *Admin) Verify(ctx context.Context, idToken string) (*Session, error) {
	token, err := a.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	s := SessionFromToken(token)
	s.IDToken = idToken
	return s, nil
}

// SessionFromToken reads the profile claims of a verified token.
func SessionFromToken(token *fbauth.Token) *Session {
	claim := func(name string) string {
		v, _ := token.Claims[name].(string)
		return v
	}
	return &Session{
		UID:         token.UID,
		DisplayName: claim("name"),
		PhoneNumber: claim("phone_number"),
		AvatarURL:   claim("picture"),
	}
}

func (a *Admin) CustomToken(ctx context.Context, uid string) (string, error) {
	token, err := a.client.CustomToken(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("error creating custom token: %w", err)
	}
	return token, nil
}

// LookupPhone returns the uid registered with phoneNumber on the provider,
// or an empty uid when no account uses the number.
func (a *Admin) LookupPhone(ctx context.Context, phoneNumber string) (string, error) {
	u, err := a.client.GetUserByPhoneNumber(ctx, phoneNumber)
	if fbauth.IsUserNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", phoneNumber, err)
	}
	return u.UID, nil
}
