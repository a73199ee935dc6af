// README: Firebase Admin SDK app shared by the ID-token verifier and the RTDB/FCM mirror.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

const (
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// FirebaseOptions selects the Firebase project. An empty CredentialsFile
// falls back to application-default credentials.
type FirebaseOptions struct {
	ProjectID       string
	DatabaseURL     string
	CredentialsFile string
}

// NewFirebaseApp initialises one Admin SDK app. ProjectID is required so
// token verification can check the audience.
func NewFirebaseApp(ctx context.Context, o FirebaseOptions) (*firebase.App, error) {
	if o.ProjectID == "" {
		return nil, fmt.Errorf("firebase: project id is required")
	}
	var opts []option.ClientOption
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: o.ProjectID, DatabaseURL: o.DatabaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

// FirebaseToken is what the auth middleware keeps of a verified ID token.
type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// Role is the custom "role" claim set by the back office; empty when absent.
func (t *FirebaseToken) Role() string {
	if t == nil {
		return ""
	}
	role, _ := t.Claims["role"].(string)
	return role
}

type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (TokenVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}
