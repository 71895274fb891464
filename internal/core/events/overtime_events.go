package events

const (
	EventRequestSubmitted = "overtime.request.submitted"
	EventRequestCanceled  = "overtime.request.canceled"
	EventRequestExpired   = "overtime.request.expired"
	EventStepDecided      = "overtime.step.decided"
	EventStepEscalated    = "overtime.step.escalated"
	EventRequestFinalized = "overtime.request.finalized"
)

func NewRequestSubmittedEvent(requestID, userID int64, steps int) Event {
	return NewBaseEvent(EventRequestSubmitted, map[string]interface{}{
		"request_id": requestID,
		"user_id":    userID,
		"steps":      steps,
	})
}

func NewRequestCanceledEvent(requestID, userID int64) Event {
	return NewBaseEvent(EventRequestCanceled, map[string]interface{}{
		"request_id": requestID,
		"user_id":    userID,
	})
}

func NewRequestExpiredEvent(requestID int64) Event {
	return NewBaseEvent(EventRequestExpired, map[string]interface{}{
		"request_id": requestID,
	})
}

func NewStepDecidedEvent(requestID int64, stepOrder int, decision string, actorID int64) Event {
	return NewBaseEvent(EventStepDecided, map[string]interface{}{
		"request_id": requestID,
		"step_order": stepOrder,
		"decision":   decision,
		"actor_id":   actorID,
	})
}

func NewStepEscalatedEvent(requestID int64, stepOrder int) Event {
	return NewBaseEvent(EventStepEscalated, map[string]interface{}{
		"request_id": requestID,
		"step_order": stepOrder,
	})
}

func NewRequestFinalizedEvent(requestID int64, status string) Event {
	return NewBaseEvent(EventRequestFinalized, map[string]interface{}{
		"request_id": requestID,
		"status":     status,
	})
}
