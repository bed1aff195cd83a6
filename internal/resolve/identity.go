package resolve

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrDuplicateKey marks a unique attribute already owned by another entity.
var ErrDuplicateKey = eris.New("duplicate key conflict")

// DuplicateKeyError names the contested value and both parties.
type DuplicateKeyError struct {
	Field    string
	Value    string
	Owner    string
	Claimant string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s %q already belongs to %s; %s cannot claim it", e.Field, e.Value, e.Owner, e.Claimant)
}

// Is lets errors.Is match ErrDuplicateKey.
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// IsDuplicateKey reports whether err is a DuplicateKeyError.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// Claim is a request by a user to own an email address.
type Claim struct {
	UserID    string
	Email     string
	FirstSeen time.Time
}

// EmailRegistry tracks which user owns each email address. It starts from
// the owners already in silver and is not safe for concurrent use.
type EmailRegistry struct {
	owners map[string]string // email -> user_id
	emails map[string]string // user_id -> email
}

// NewEmailRegistry seeds the registry with existing email -> user_id owners.
func NewEmailRegistry(existing map[string]string) *EmailRegistry {
	r := &EmailRegistry{
		owners: make(map[string]string, len(existing)),
		emails: make(map[string]string, len(existing)),
	}
	for email, user := range existing {
		email = strings.ToLower(email)
		r.owners[email] = user
		r.emails[user] = email
	}
	return r
}

// Owner returns the user owning email.
func (r *EmailRegistry) Owner(email string) (string, bool) {
	u, ok := r.owners[strings.ToLower(email)]
	return u, ok
}

// Claim assigns email to userID. An email owned by a different user is a
// DuplicateKeyError and leaves the registry unchanged. A successful claim
// releases the user's previous address.
func (r *EmailRegistry) Claim(userID, email string) error {
	email = strings.ToLower(email)
	if owner, ok := r.owners[email]; ok && owner != userID {
		return &DuplicateKeyError{Field: "email", Value: email, Owner: owner, Claimant: userID}
	}
	if prev, ok := r.emails[userID]; ok && prev != email && r.owners[prev] == userID {
		delete(r.owners, prev)
	}
	r.owners[email] = userID
	r.emails[userID] = email
	return nil
}

// ClaimAll processes claims ordered by first sighting, then user id. Claims
// that fail are retried after each pass that made progress, so a user may take
// an address released later in the same batch. It returns the accepted claims
// in the order they succeeded and the failures keyed by user id. Two users
// swapping addresses both fail.
func (r *EmailRegistry) ClaimAll(claims []Claim) ([]Claim, map[string]error) {
	pending := slices.Clone(claims)
	slices.SortStableFunc(pending, func(a, b Claim) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})

	var accepted []Claim
	failed := make(map[string]error)
	for len(pending) > 0 {
		var retry []Claim
		clear(failed)
		for _, c := range pending {
			if err := r.Claim(c.UserID, c.Email); err != nil {
				failed[c.UserID] = err
				retry = append(retry, c)
				continue
			}
			accepted = append(accepted, c)
		}
		if len(retry) == len(pending) {
			break
		}
		pending = retry
	}
	return accepted, failed
}
