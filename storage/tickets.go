package storage

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dealflow/errs"
)

// ErrInvalidTicket signals a missing, expired or mismatched upload ticket.
var ErrInvalidTicket = errs.New(errs.Forbidden, "storage: invalid upload ticket")

const defaultTicketTTL = 15 * time.Minute

// Tickets signs and verifies upload tickets. A ticket authorises exactly one
// storage id for a short time.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTickets builds a ticket signer. A non-positive ttl falls back to 15 minutes.
func NewTickets(secret string, ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &Tickets{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock overrides the time source, primarily for tests.
func (t *Tickets) WithClock(clock func() time.Time) *Tickets {
	if clock != nil {
		t.now = clock
	}
	return t
}

// Issue signs a ticket for storageID on behalf of subject.
func (t *Tickets) Issue(storageID, subject string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := jwt.MapClaims{
		"sid": storageID,
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign ticket: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks that ticket is valid for storageID and returns its subject.
func (t *Tickets) Verify(ticket, storageID string) (string, error) {
	token, err := jwt.Parse(ticket, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidTicket
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidTicket
	}
	if sid, _ := claims["sid"].(string); sid != storageID {
		return "", ErrInvalidTicket
	}
	subject, _ := claims["sub"].(string)
	return subject, nil
}
