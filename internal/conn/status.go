package conn

// SyncState is the per-document synchronization status surfaced to
// consumers. It is created in StateLocal at bootstrap and destroyed with the
// connection.
type SyncState int

const (
	// StateLocal means no transport: edits are local-only.
	StateLocal SyncState = iota

	// StateSyncing means a transport attempt, handshake, or catch-up is
	// in progress.
	StateSyncing

	// StateSynced means the document is caught up with the server.
	StateSynced

	// StateUnavailable is terminal: a fatal auth/permission failure or
	// exhausted retries. No further automatic reconnection happens until
	// the document is re-opened with fresh credentials.
	StateUnavailable
)

// String returns a human-readable representation of the state.
func (s SyncState) String() string {
	switch s {
	case StateLocal:
		return "local"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Event is something the transport (or retry policy) observed.
type Event int

const (
	// EventAttemptStarted fires when a connect attempt begins.
	EventAttemptStarted Event = iota

	// EventSynced fires when the transport reports the document caught up.
	EventSynced

	// EventAttemptFailed fires when a connect attempt fails recoverably.
	EventAttemptFailed

	// EventConnectionLost fires when an established connection drops.
	EventConnectionLost

	// EventAuthFailed fires when the server rejects credentials.
	EventAuthFailed

	// EventRetriesExhausted fires when the backoff gives up.
	EventRetriesExhausted
)

// String returns a human-readable representation of the event.
func (e Event) String() string {
	switch e {
	case EventAttemptStarted:
		return "attempt-started"
	case EventSynced:
		return "synced"
	case EventAttemptFailed:
		return "attempt-failed"
	case EventConnectionLost:
		return "connection-lost"
	case EventAuthFailed:
		return "auth-failed"
	case EventRetriesExhausted:
		return "retries-exhausted"
	default:
		return "unknown"
	}
}

// Effect is a side effect the caller must execute after a transition.
type Effect int

const (
	// EffectNone means no side effect.
	EffectNone Effect = iota

	// EffectClearUnsynced clears the "has unsynced local changes" flag
	// (emitted exactly when entering StateSynced).
	EffectClearUnsynced

	// EffectScheduleRetry asks the owner to schedule a reconnect attempt
	// per the backoff policy.
	EffectScheduleRetry

	// EffectAbandonRetry cancels any pending reconnect: the state is
	// terminal.
	EffectAbandonRetry
)

// Transition is the pure sync-status state machine.
//
// It enforces the observable guarantees: the state sequence over a
// connection's lifetime is always a subsequence of
// Local → Syncing → {Synced | Unavailable}, Syncing is never skipped between
// Local and Synced, and Unavailable is absorbing. Events that do not apply
// in the current state leave it unchanged with no effect.
func Transition(state SyncState, event Event) (SyncState, Effect) {
	if state == StateUnavailable {
		return state, EffectNone
	}

	switch event {
	case EventAttemptStarted:
		if state == StateLocal {
			return StateSyncing, EffectNone
		}

	case EventSynced:
		// Only reachable through Syncing: a Synced event while Local
		// (e.g. a stale callback after teardown began) is ignored so
		// consumers always observe the intermediate state.
		if state == StateSyncing {
			return StateSynced, EffectClearUnsynced
		}

	case EventAttemptFailed:
		if state == StateSyncing {
			return StateSyncing, EffectScheduleRetry
		}

	case EventConnectionLost:
		switch state {
		case StateSynced:
			return StateLocal, EffectScheduleRetry
		case StateSyncing:
			return StateSyncing, EffectScheduleRetry
		}

	case EventAuthFailed:
		return StateUnavailable, EffectAbandonRetry

	case EventRetriesExhausted:
		if state == StateSyncing {
			return StateUnavailable, EffectAbandonRetry
		}
	}

	return state, EffectNone
}
