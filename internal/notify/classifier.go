package notify

import (
	"github.com/t77yq/webtimer/internal/model"
)

// Classify derives the notification type for one completed firing.
// Precedence is fixed: failure, recovery, first_success,
// response_changed, success_no_change. wasFailing is the schedule's
// consecutive-failure flag as it stood before this firing; change is
// nil when the firing failed.
func Classify(final *model.AttemptResult, change *model.ChangeResult, wasFailing bool) model.NotificationType {
	if !final.Success {
		return model.NotificationFailure
	}
	if wasFailing {
		return model.NotificationRecovery
	}
	if change == nil || change.PreviousHash == "" {
		return model.NotificationFirstSuccess
	}
	if change.Changed {
		return model.NotificationResponseChanged
	}
	return model.NotificationSuccessNoChange
}
