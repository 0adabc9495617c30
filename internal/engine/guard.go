package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// accessControl is the owner/pause envelope around fund custody.
type accessControl struct {
	owner  common.Address
	paused bool
}

func (a *accessControl) onlyOwner(caller common.Address) error {
	if caller != a.owner {
		return domain.ErrNotOwner
	}
	return nil
}

func (a *accessControl) whenNotPaused() error {
	if a.paused {
		return domain.ErrPaused
	}
	return nil
}

func (a *accessControl) whenPaused() error {
	if !a.paused {
		return domain.ErrNotPaused
	}
	return nil
}

// frameKey marks a context as belonging to an in-flight engine call. The
// engine hands the marked context to the vault, so a recipient hook that calls
// back into the engine carries it.
type frameKey struct{}

func (e *Engine) inFrame(ctx context.Context) bool {
	f, _ := ctx.Value(frameKey{}).(*Engine)
	return f == e
}

// enter starts a mutating call: it rejects re-entry and takes the write lock.
// With a committer set, the call also gets a fresh change set that collects
// the ledger rows of its transfers. The returned context must be used for
// every collaborator call.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if e.inFrame(ctx) {
		return nil, nil, domain.ErrReentrantCall
	}
	e.mu.Lock()
	ctx = context.WithValue(ctx, frameKey{}, e)
	if e.committer != nil {
		ctx = domain.WithChangeSet(ctx, &domain.ChangeSet{})
	}
	return ctx, e.mu.Unlock, nil
}

// rlock takes the read lock unless ctx belongs to a call that already holds
// the write lock; views stay callable from recipient hooks.
func (e *Engine) rlock(ctx context.Context) func() {
	if ctx != nil && e.inFrame(ctx) {
		return func() {}
	}
	e.mu.RLock()
	return e.mu.RUnlock
}

// transferError keeps the validation sentinels a vault reports and folds
// every other failure into ErrTransferFailed.
func transferError(err error) error {
	switch {
	case errorsIsAny(err,
		domain.ErrInsufficientAllowance,
		domain.ErrInsufficientBalance,
		domain.ErrInsufficientValue,
		domain.ErrTransferFailed,
		domain.ErrReentrantCall,
		domain.ErrCommitFailed,
	):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
