// Package token implements the signed capability tokens that bind a client
// to a (room server, room, identity) triple. Tokens are HS256 JWTs with the
// literal subject "joinRoom"; the secret is shared between the discovery
// tier that mints them and the room servers that verify them.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectJoinRoom is the required subject claim of every join token.
const SubjectJoinRoom = "joinRoom"

// DefaultExpiry is applied when the issuer does not override it.
const DefaultExpiry = time.Minute

// Claims is the payload of a join token.
type Claims struct {
	PublicURL        string          `json:"publicUrl"`
	RoomID           string          `json:"roomId"`
	RoomProperties   json.RawMessage `json:"roomProperties,omitempty"`
	ClientID         string          `json:"clientId"`
	ClientProperties json.RawMessage `json:"clientProperties,omitempty"`
	JoinOnly         bool            `json:"joinOnly,omitempty"`
	jwt.RegisteredClaims
}

// Options carries the issuer-supplied fields of a token.
type Options struct {
	PublicURL        string
	RoomID           string
	RoomProperties   json.RawMessage
	ClientID         string
	ClientProperties json.RawMessage
	JoinOnly         bool
	Expiry           time.Duration // zero means DefaultExpiry
}

// Signer mints join tokens with a shared secret.
type Signer struct {
	secret []byte
	expiry time.Duration
}

// NewSigner creates a Signer. expiry is the default token lifetime; zero
// selects DefaultExpiry.
func NewSigner(secret string, expiry time.Duration) *Signer {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Signer{secret: []byte(secret), expiry: expiry}
}

// Sign mints a token for the given options.
func (s *Signer) Sign(opts Options) (string, error) {
	if opts.PublicURL == "" {
		return "", errors.New("token: publicUrl is required")
	}
	if opts.RoomID == "" {
		return "", errors.New("token: roomId is required")
	}
	if opts.ClientID == "" {
		return "", errors.New("token: clientId is required")
	}

	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = s.expiry
	}

	claims := &Claims{
		PublicURL:        opts.PublicURL,
		RoomID:           opts.RoomID,
		RoomProperties:   opts.RoomProperties,
		ClientID:         opts.ClientID,
		ClientProperties: opts.ClientProperties,
		JoinOnly:         opts.JoinOnly,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   SubjectJoinRoom,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: failed to sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string against the shared secret.
// The signing method must be HS256 and the subject must be "joinRoom";
// expiry is enforced by the parser.
func Verify(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(SubjectJoinRoom),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token: failed to parse: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token: token is invalid")
	}
	return claims, nil
}
