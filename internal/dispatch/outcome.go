package dispatch

// Kind names the list an action item came from.
type Kind string

const (
	KindTask  Kind = "task"
	KindEvent Kind = "event"
	KindMail  Kind = "mail"
)

// Status is the per-item result of one dispatch attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome is the accountability record for one action item. One is produced
// for every item across all three lists; none are dropped.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Ref    string `json:"ref"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}
