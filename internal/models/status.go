package models

// Status is the lifecycle status a job reports within a single stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusException Status = "exception"
)

// Terminal reports whether the status ends a stage.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusException
}

// NotificationType controls when job outcome emails are sent.
type NotificationType string

const (
	// NotifySingle sends one email when the job reaches its last service.
	NotifySingle NotificationType = "single"
	// NotifyPeriodic sends an email after every stage completion.
	NotifyPeriodic NotificationType = "periodic"
)
