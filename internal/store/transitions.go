package store

import "queuepass/internal/models"

const (
	ActionCallNext = "call_next"
	ActionRecall   = "recall"
	ActionServe    = "serve"
	ActionHold     = "hold"
	ActionReturn   = "return"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionRecall:   {models.StatusCalled},
	ActionServe:    {models.StatusCalled},
	ActionHold:     {models.StatusCalled},
	ActionReturn:   {models.StatusHold},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// HoldOutcome decides where a called ticket lands after a no-show hold, given
// the attempt count after increment. The counter only grows, so once the
// threshold is met the ticket is out for good.
func HoldOutcome(attempts, maxHoldAttempts int) string {
	if attempts >= maxHoldAttempts {
		return models.StatusOut
	}
	return models.StatusHold
}
