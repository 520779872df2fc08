// Package credit gates grading submissions behind a consumable credit
// balance. Authorization is a cheap read; consumption is committed only
// after the grading call has produced a usable result, so a failed call
// never bills the user.
package credit

import (
	"errors"
	"fmt"

	"github.com/vmartins/corrigeai/internal/model"
)

// ErrNothingToConsume means the conditional decrement found no credit
// left, i.e. another session on the same account spent the last one
// between authorize and commit.
var ErrNothingToConsume = errors.New("no credit left to consume")

// QuotaStore is the persistence boundary the gate writes through.
// ConsumeCredit must be an atomic decrement-if-sufficient: it reports
// false with no error when the balance was already zero.
type QuotaStore interface {
	ConsumeCredit(userID int64) (bool, error)
}

// Gate authorizes submissions against a principal's role and balance.
type Gate struct {
	store QuotaStore
}

// NewGate creates a credit gate over the given store.
func NewGate(s QuotaStore) *Gate {
	return &Gate{store: s}
}

// Authorize reports whether the principal may start a grading call.
// Privileged principals always pass; standard principals need a positive
// balance.
func (g *Gate) Authorize(u *model.User) error {
	if u.Role == model.RolePrivileged {
		return nil
	}
	if u.Credits > 0 {
		return nil
	}
	return model.ErrInsufficientQuota
}

// Commit consumes one credit for a standard principal. It must be called
// at most once per successful grading call, and never on failure. The
// returned error is bookkeeping only: callers must still surface the
// already-obtained grading result.
func (g *Gate) Commit(u *model.User) error {
	if u.Role == model.RolePrivileged {
		return nil
	}
	consumed, err := g.store.ConsumeCredit(u.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if !consumed {
		return ErrNothingToConsume
	}
	u.Credits--
	return nil
}
