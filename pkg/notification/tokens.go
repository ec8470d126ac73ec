package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultActionTTL is how long an embedded action stays dispatchable
const DefaultActionTTL = 2 * time.Hour

// ActionClaims travel inside a quick-action token
type ActionClaims struct {
	jwt.RegisteredClaims
	Action     string `json:"act"`
	CallID     int    `json:"cid"`
	Generation string `json:"gen"`
}

// ActionSigner signs and verifies quick-action tokens so actions fired from
// outside the process can be trusted
type ActionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewActionSigner creates a signer. ttl <= 0 uses DefaultActionTTL.
func NewActionSigner(secret string, ttl time.Duration) (*ActionSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("action secret not configured")
	}
	if ttl <= 0 {
		ttl = DefaultActionTTL
	}
	return &ActionSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for one action on one fallback generation
func (s *ActionSigner) Sign(action string, callID int, gen uuid.UUID) (string, error) {
	now := s.now()
	claims := ActionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("call:%d", callID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		Action:     action,
		CallID:     callID,
		Generation: gen.String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign action token: %w", err)
	}
	return token, nil
}

// Verify parses a token and returns its claims
func (s *ActionSigner) Verify(token string) (*ActionClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	claims := &ActionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidAction
	}
	if claims.Action != ActionAnswer && claims.Action != ActionReject {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, claims.Action)
	}
	if _, err := uuid.Parse(claims.Generation); err != nil {
		return nil, fmt.Errorf("%w: bad generation", ErrInvalidAction)
	}
	return claims, nil
}
