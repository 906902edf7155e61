package outbox

import (
	"errors"

	"github.com/vitaliisemenov/alert-history/internal/txutil"
)

// ErrNoTransaction mirrors txutil.ErrNoTransaction for callers that only
// import this package; AppendEvent returns txutil.ErrNoTransaction
// directly, this alias exists for errors.Is convenience at call sites
// that don't want to import txutil just to compare.
var ErrNoTransaction = txutil.ErrNoTransaction

// ErrEventNotFound is returned when a dead-letter resolve/ignore
// operation references an id that does not exist.
var ErrEventNotFound = errors.New("outbox: event not found")
