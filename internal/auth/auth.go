package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// User is the caller resolved from a Supabase access token.
type User struct {
	ID    string
	Email string
}

type userKeyType struct{}

var userKey userKeyType

func UserFromContext(ctx context.Context) (User, bool) {
	val, ok := ctx.Value(userKey).(User)
	return val, ok
}

func NewUserContext(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

type supabaseClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 access tokens signed with the project JWT secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a verifier. An empty issuer skips the iss check.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Authenticate validates token and returns its subject and email.
func (v *Verifier) Authenticate(token string) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims supabaseClaims
	t, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("failed to authenticate token: %w", err)
	}
	if !t.Valid || claims.Subject == "" {
		return User{}, errors.New("failed to parse or validate token")
	}
	return User{ID: claims.Subject, Email: claims.Email}, nil
}

// Authenticator rejects requests without a valid bearer token and stores the user in the request context.
func (v *Verifier) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			http.Error(w, "No token provided", http.StatusUnauthorized)
			return
		}

		user, err := v.Authenticate(strings.TrimSpace(token))
		if err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewUserContext(r.Context(), user)))
	})
}
