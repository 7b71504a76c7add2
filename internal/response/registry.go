package response

import (
	"context"
	"time"
)

// TargetState tags the per-IP registry entry kinds the executor can mutate.
type TargetState string

const (
	StateBlock     TargetState = "block"
	StateCaptcha   TargetState = "captcha"
	StateRateLimit TargetState = "rate_limit"
)

// Registry is the shared mutable target-state store (blocklist, CAPTCHA
// requirements, throttle ceilings). Entries expire on their own; a Set for
// an existing key overwrites, never duplicates. Each call is atomic for its
// key; callers serialize per IP above this interface.
type Registry interface {
	// Expiry returns the absolute expiry of the entry, or nil when no
	// active entry exists.
	Expiry(ctx context.Context, kind TargetState, ip string) (*time.Time, error)
	// Set installs or overwrites the entry with the given value and expiry.
	Set(ctx context.Context, kind TargetState, ip, value string, expiresAt time.Time) error
	// Remove deletes the entry if present.
	Remove(ctx context.Context, kind TargetState, ip string) error
	// ActiveBlocks returns the current blacklist snapshot ordered by
	// soonest expiry first.
	ActiveBlocks(ctx context.Context) ([]BlockedTarget, error)
}
