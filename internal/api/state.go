package api

type IdemStatus string

type NextAction string

const (
	IdemInProgress IdemStatus = "in_progress"
	IdemCompleted  IdemStatus = "completed"
)

const (
	ActionExecute    NextAction = "execute"
	ActionReplay     NextAction = "replay"
	ActionInProgress NextAction = "return_in_progress"
	ActionConflict   NextAction = "return_conflict"
)

// DetermineNextAction maps a stored idempotency record and the hash of the
// incoming request to the next step. A nil record means the key is new.
func DetermineNextAction(existing *IdemRecord, requestHash string) NextAction {
	if existing == nil {
		return ActionExecute
	}
	if existing.RequestHash != requestHash {
		return ActionConflict
	}
	switch existing.Status {
	case IdemCompleted:
		return ActionReplay
	case IdemInProgress:
		return ActionInProgress
	default:
		return ActionExecute
	}
}
