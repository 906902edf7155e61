package session

import (
	"context"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// AllowAllAccountChecker treats every account as existing. Account
// lifecycle is a separate service (spec.md §1 Non-goals); a deployment
// wires a real AccountChecker against that service's store, and this
// stands in where none is configured.
type AllowAllAccountChecker struct{}

func (AllowAllAccountChecker) Exists(ctx context.Context, accountID ids.ID) (bool, error) {
	return true, nil
}

// AllowAllDeviceChecker treats every device as belonging to its account,
// for the same reason as AllowAllAccountChecker.
type AllowAllDeviceChecker struct{}

func (AllowAllDeviceChecker) BelongsToAccount(ctx context.Context, deviceID, accountID ids.ID) (bool, error) {
	return true, nil
}
