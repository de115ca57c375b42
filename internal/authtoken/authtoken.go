// Package authtoken mints and verifies the signed owner token that grants
// its holder full playback control of one room. Unlike the JWKS/RS256
// tokens this codebase's auth layer normally validates against an external
// identity provider, owner tokens are minted and verified by this service
// alone, so they are signed with a symmetric secret (HS256).
package authtoken

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiration is how long a freshly minted owner token remains valid.
const Expiration = 2 * time.Hour

// ErrInvalidToken covers every way a presented owner token can fail to
// verify: bad signature, expired, or bound to a different client.
var ErrInvalidToken = errors.New("authtoken: invalid or expired owner token")

// OwnerClaim identifies the room a token grants ownership of and the
// connection details it is bound to, so a stolen token string alone can't
// be replayed from a different client.
type OwnerClaim struct {
	RoomID    string `json:"room_id"`
	Username  string `json:"username"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	jwt.RegisteredClaims
}

// Signer signs and verifies owner tokens with a single shared secret.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from a secret key. The secret should come from
// configuration (JWT_KEY) and must be non-empty.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("authtoken: empty signing secret")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign mints a new owner token for roomID/username bound to the given
// remote IP and User-Agent, expiring Expiration from now.
func (s *Signer) Sign(roomID, username, ip, userAgent string) (string, error) {
	now := time.Now()
	claims := OwnerClaim{
		RoomID:    roomID,
		Username:  username,
		IP:        ip,
		UserAgent: userAgent,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("authtoken: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a presented owner token string, returning the
// claims it carries. It does not check ip/user-agent binding; call IsValid
// or IsValidForRoom with the current connection's details for that.
func (s *Signer) Verify(tokenString string) (*OwnerClaim, error) {
	claims := &OwnerClaim{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// IsValid reports whether claims are unexpired and bound to the given
// remote address and User-Agent. The IP comparison ignores port.
func (c *OwnerClaim) IsValid(remoteAddr, userAgent string) bool {
	if c.ExpiresAt != nil && time.Now().After(c.ExpiresAt.Time) {
		return false
	}
	return ipEqual(c.IP, remoteAddr) && c.UserAgent == userAgent
}

// IsValidForRoom additionally requires the claim to name roomID.
func (c *OwnerClaim) IsValidForRoom(roomID, remoteAddr, userAgent string) bool {
	return c.RoomID == roomID && c.IsValid(remoteAddr, userAgent)
}

func ipEqual(a, b string) bool {
	ha, _, errA := net.SplitHostPort(a)
	if errA != nil {
		ha = a
	}
	hb, _, errB := net.SplitHostPort(b)
	if errB != nil {
		hb = b
	}
	return ha == hb
}
