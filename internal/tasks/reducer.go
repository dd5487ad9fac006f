package tasks

// Reduce applies a single event to state and returns the resulting
// MaterializedTask. It is pure: no I/O, no clock reads beyond what the
// event itself carries. An invalid transition returns a *ReducerError and
// the unmodified state — callers (the log replayer) should treat this as
// fatal, not retryable.
func Reduce(state MaterializedTask, event Event) (MaterializedTask, error) {
	next := state
	next.EventSeq = event.Seq
	next.UpdatedAt = event.Timestamp

	switch event.Kind {
	case KindTaskCreated:
		// Always succeeds; this is the first event in every task's log.
		if event.Spec != nil {
			next.Spec = *event.Spec
		}
		next.State = StatePending
		if next.SeenIdempotencyKeys == nil {
			next.SeenIdempotencyKeys = make(map[string]bool)
		}
		return next, nil

	case KindTaskPlanned:
		if state.State != StatePending {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StatePlanned
		return next, nil

	case KindTaskClaimed:
		// Sets ClaimedBy only; State is unchanged. See StateClaimed's doc
		// comment in types.go.
		if state.State != StatePending && state.State != StatePlanned {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.ClaimedBy = event.AgentID
		return next, nil

	case KindTaskActive:
		// NeedsApproval is intentionally excluded here. The only valid path
		// from NeedsApproval to Active is via ApprovalGranted. Allowing
		// TaskActive from NeedsApproval would let agents self-approve and
		// bypass the human approval gate.
		switch state.State {
		case StatePending, StatePlanned, StateBlocked, StateCodeReview, StateQa:
			next.State = StateActive
			next.PendingApprovalID = ""
			return next, nil
		default:
			return state, invalidTransition(event.Kind, state.State)
		}

	case KindTaskBlocked:
		if state.State != StateActive && state.State != StateBlocked {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateBlocked
		return next, nil

	case KindTaskNeedsApproval:
		if state.State != StateActive {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateNeedsApproval
		next.PendingApprovalID = event.ApprovalID
		return next, nil

	case KindTaskCodeReview:
		if state.State != StateActive {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateCodeReview
		return next, nil

	case KindTaskQa:
		if state.State != StateCodeReview {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateQa
		return next, nil

	case KindTaskDone:
		if state.State != StateQa && state.State != StateActive {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateDone
		return next, nil

	case KindTaskCanceled:
		if state.State.terminal() {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateCanceled
		return next, nil

	case KindTaskFailed:
		if state.State.terminal() {
			return state, invalidTransition(event.Kind, state.State)
		}
		next.State = StateFailed
		return next, nil

	case KindToolCalled:
		// Retries of the same tool call (matching idempotency key) are
		// silently skipped: state is returned unchanged.
		if next.SeenIdempotencyKeys == nil {
			next.SeenIdempotencyKeys = make(map[string]bool)
		}
		if event.IdempotencyKey != "" && next.SeenIdempotencyKeys[event.IdempotencyKey] {
			return state, nil
		}
		if event.IdempotencyKey != "" {
			next.SeenIdempotencyKeys[event.IdempotencyKey] = true
		}
		return next, nil

	case KindToolResult:
		// Always recorded, even if the matching ToolCalled was never seen
		// (the log may have been partially truncated before a checkpoint).
		if next.SeenIdempotencyKeys == nil {
			next.SeenIdempotencyKeys = make(map[string]bool)
		}
		if event.IdempotencyKey != "" {
			next.SeenIdempotencyKeys[event.IdempotencyKey] = true
		}
		return next, nil

	case KindCheckpointCreated:
		// Marker only; carries no state change of its own.
		return next, nil

	case KindApprovalRequested:
		next.PendingApprovalID = event.ApprovalID
		return next, nil

	case KindApprovalGranted:
		next.PendingApprovalID = ""
		if state.State == StateNeedsApproval {
			next.State = StateActive
		}
		return next, nil

	case KindApprovalDenied:
		next.PendingApprovalID = ""
		if state.State == StateNeedsApproval {
			next.State = StateBlocked
		}
		return next, nil

	default:
		return state, &ReducerError{Msg: "unknown event kind: " + string(event.Kind)}
	}
}

func invalidTransition(kind EventKind, from State) error {
	return &ReducerError{Msg: string(kind) + " is not valid from state " + string(from)}
}
