package model

// NotificationType classifies the outcome of one firing.
type NotificationType string

const (
	NotificationFirstSuccess    NotificationType = "first_success"
	NotificationResponseChanged NotificationType = "response_changed"
	NotificationSuccessNoChange NotificationType = "success_no_change"
	NotificationFailure         NotificationType = "failure"
	NotificationRecovery        NotificationType = "recovery"
)

// IsSuccessClass reports whether the type counts as a success event for
// gating and consecutive-failure bookkeeping.
func (t NotificationType) IsSuccessClass() bool {
	switch t {
	case NotificationFirstSuccess, NotificationSuccessNoChange, NotificationRecovery:
		return true
	}
	return false
}

// ChangeResult is the change detector's verdict for one successful
// attempt. PreviousHash is empty on the first-ever success.
type ChangeResult struct {
	Changed      bool   `json:"is_response_changed"`
	CurrentHash  string `json:"response_hash"`
	PreviousHash string `json:"previous_hash,omitempty"`
}

// NotificationEvent is the classified outcome of one firing. Events are
// ephemeral: constructed, dispatched over UDP, discarded.
type NotificationEvent struct {
	Type     NotificationType `json:"notification_type"`
	Schedule *Schedule        `json:"schedule"`
	Result   *AttemptResult   `json:"request_result"`
	Change   *ChangeResult    `json:"additional_data,omitempty"` // nil on failure
}
