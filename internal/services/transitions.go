package services

import (
	"fmt"

	"dsr-orchestrator/pkg/models"
)

var allowedTransitions = map[models.WorkflowStatus]map[models.WorkflowStatus]struct{}{
	models.StatusPending: {
		models.StatusInProgress: {},
	},
	models.StatusInProgress: {
		models.StatusDataDiscoveryComplete: {},
		models.StatusFailed:                {},
	},
	models.StatusDataDiscoveryComplete: {
		models.StatusDeliveryComplete: {},
		models.StatusFailed:           {},
	},
	models.StatusDeliveryComplete: {
		models.StatusComplete: {},
	},
	models.StatusComplete: {},
	models.StatusFailed:   {},
}

// ValidateTransition reports whether a workflow may move from one status to
// another.
func ValidateTransition(from, to models.WorkflowStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
