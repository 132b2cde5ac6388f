// Package auth defines the three credentials that flow through an HQ
// deployment and keeps them as distinct types so they cannot be mixed up:
//
//   - ClientToken: presented by API/browser clients to HQ or a standalone server.
//   - AdminCredentials: HQ's static admin username/password, presented by a
//     Remote when it registers or reports session changes.
//   - BearerToken: generated by a Remote at startup and handed to HQ during
//     registration; HQ presents it on every call it proxies to that Remote.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is used when hashing the admin password at startup.
// Tests lower it to bcrypt.MinCost.
var BcryptCost = bcrypt.DefaultCost

// ErrEmptyCredentials is returned when admin credentials are incomplete.
var ErrEmptyCredentials = errors.New("admin credentials must include username and password")

// ClientToken is the credential clients use against the session API.
type ClientToken string

// AdminCredentials are HQ's admin username and password.
type AdminCredentials struct {
	Username string
	Password string
}

// BearerToken is the per-process credential HQ uses when calling a Remote.
// It is regenerated on every Remote start and never written to disk.
type BearerToken string

// NewBearerToken returns 32 random bytes, hex encoded.
func NewBearerToken() (BearerToken, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return BearerToken(hex.EncodeToString(b)), nil
}

// Apply sets the Authorization header for a call from HQ to a Remote.
func (t BearerToken) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+string(t))
}

// Matches compares t to a presented token in constant time.
func (t BearerToken) Matches(presented string) bool {
	return t != "" && tokensEqual(string(t), presented)
}

// Apply sets HTTP Basic auth on a request from a Remote to HQ.
func (c AdminCredentials) Apply(r *http.Request) {
	r.SetBasicAuth(c.Username, c.Password)
}

// Matches compares the client token to a presented one in constant time.
func (t ClientToken) Matches(presented string) bool {
	return t != "" && tokensEqual(string(t), presented)
}

// AdminVerifier checks presented admin credentials against a bcrypt hash
// of the configured password.
type AdminVerifier struct {
	username string
	hash     []byte
}

// NewAdminVerifier hashes creds.Password with BcryptCost.
func NewAdminVerifier(creds AdminCredentials) (*AdminVerifier, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, ErrEmptyCredentials
	}
	hash, err := HashPassword(creds.Password)
	if err != nil {
		return nil, err
	}
	return &AdminVerifier{username: creds.Username, hash: []byte(hash)}, nil
}

// Verify reports whether presented matches the configured admin credentials.
func (v *AdminVerifier) Verify(presented AdminCredentials) bool {
	if v == nil {
		return false
	}
	userOK := tokensEqual(v.username, presented.Username)
	passOK := bcrypt.CompareHashAndPassword(v.hash, []byte(presented.Password)) == nil
	return userOK && passOK
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AdminFromRequest extracts HTTP Basic admin credentials.
func AdminFromRequest(r *http.Request) (AdminCredentials, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return AdminCredentials{}, false
	}
	return AdminCredentials{Username: user, Password: pass}, true
}

// BearerFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter for websocket clients that
// cannot set headers.
func BearerFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
