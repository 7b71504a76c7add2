package reputation

import (
	"errors"

	"github.com/lib/pq"
)

// retryable reports whether a storage error is transient contention worth
// retrying: serialization failures and deadlocks from concurrent upserts on
// the same IP row.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}
