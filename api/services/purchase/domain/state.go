package domain

import "time"

// State is the per-transaction sync state.
type State string

// Status constants used by the purchase state machine.
const (
	StatePending            State = "pending"
	StateVerifying          State = "verifying"
	StateVerified           State = "verified"
	StateSyncing            State = "syncing"
	StateSynced             State = "synced"
	StateVerificationFailed State = "verification_failed"
	StateSyncFailed         State = "sync_failed"
)

var transitions = map[State]map[State]struct{}{
	StatePending:   {StateVerifying: {}},
	// Verifying falls back to Pending when the verified record cannot be written.
	StateVerifying: {StateVerified: {}, StateVerificationFailed: {}, StatePending: {}},
	StateVerified:  {StateSyncing: {}},
	StateSyncing:   {StateSynced: {}, StateSyncFailed: {}},
	StateSyncFailed: {StateSyncing: {}},
	// A synced record is re-checked by later sync cycles; it never moves back.
	StateSynced:             {},
	StateVerificationFailed: {},
}

// CanTransition returns whether a record may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateSynced || s == StateVerificationFailed
}

// StateChange is published on every transition.
type StateChange struct {
	TransactionID string
	ProductID     string
	From          State
	To            State
	RetryCount    int
	// Revoked is set on the change that first applies a backend revocation.
	Revoked bool
	Err     error
	At      time.Time
}
