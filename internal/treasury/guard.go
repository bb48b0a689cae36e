package treasury

import (
	"sync/atomic"

	"github.com/ksred/klear-treasury/internal/types"
)

// callGuard is the call-in-progress token for fund-moving operations. A
// second entry while the token is held is rejected, not queued.
type callGuard struct {
	busy atomic.Bool
}

// enter takes the token. The returned release must run on every exit path.
func (g *callGuard) enter() (release func(), err error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, types.ErrOperationInProgress
	}
	return func() { g.busy.Store(false) }, nil
}
