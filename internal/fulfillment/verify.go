package fulfillment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSignature rejects an event whose signature or envelope does not
// verify. It is never retried.
var ErrInvalidSignature = errors.New("fulfillment: invalid event signature")

// eventClaims is the JWS payload the payment collaborator signs. jti is the
// external event id and sub the account being credited.
type eventClaims struct {
	Amount      int64  `json:"amount"`
	Settled     bool   `json:"settled"`
	Description string `json:"description,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed payment events.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is not configured")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses token and returns the event it carries.
func (v *Verifier) Verify(token string) (Event, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Event{}, ErrInvalidSignature
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &eventClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	claims, ok := parsed.Claims.(*eventClaims)
	if !ok || !parsed.Valid {
		return Event{}, ErrInvalidSignature
	}
	ev := Event{
		ExternalEventID: claims.ID,
		AccountID:       claims.Subject,
		Amount:          claims.Amount,
		Settled:         claims.Settled,
		Description:     claims.Description,
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Sign produces a token Verify accepts. The payment collaborator's side of
// the contract; used by tests and local tooling.
func (v *Verifier) Sign(ev Event, issuedAt time.Time) (string, error) {
	claims := eventClaims{
		Amount:      ev.Amount,
		Settled:     ev.Settled,
		Description: ev.Description,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       ev.ExternalEventID,
			Subject:  ev.AccountID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
