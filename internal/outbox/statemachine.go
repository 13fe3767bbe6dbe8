package outbox

// statemachine.go — pending mutation lifecycle transition rules.
//
// State diagram:
//
//	PENDING ──────────► IN_FLIGHT
//	   ▲                    │
//	   │       ┌────────────┼────────────┐
//	   │       ▼            ▼            ▼
//	   └──── PENDING    CONFIRMED    ABANDONED
//	     (dispatch      (backend     (retries exhausted
//	      failed,        accepted)    or unknown type)
//	      retry left)

import "github.com/davidpark/courierlink/internal/types"

// ValidTransition reports whether the transition from → to is a legal
// lifecycle change for a pending mutation.
//
// Used defensively in tests; production code drives transitions through the
// Queue methods (Enqueue, Flush, abandon) which already enforce the rules.
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusPending:
		// PENDING can only move to IN_FLIGHT (a flush picked it up).
		return to == types.StatusInFlight
	case types.StatusInFlight:
		// IN_FLIGHT can:
		//   → CONFIRMED — the backend accepted the mutation
		//   → PENDING   — dispatch failed with retry budget left
		//   → ABANDONED — retries exhausted or the type is undispatchable
		return to == types.StatusConfirmed || to == types.StatusPending || to == types.StatusAbandoned
	case types.StatusConfirmed:
		// CONFIRMED is the terminal success state.
		return false
	case types.StatusAbandoned:
		// ABANDONED is the terminal failure state — Replay creates a fresh
		// PENDING record rather than re-transitioning this one.
		return false
	}
	return false
}
