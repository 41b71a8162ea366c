package domain

import "time"

// JobKind tags a DispatchJob variant.
type JobKind string

const (
	JobDirect     JobKind = "direct"
	JobAutonomous JobKind = "autonomous"
)

// DispatchJob is one pending reply. Direct jobs carry the triggering message;
// autonomous jobs carry the channel and the decision that produced them.
type DispatchJob struct {
	ID         string
	Kind       JobKind
	Trigger    *Message
	ChannelID  string
	DecisionID int64
	TargetID   string
	Reason     string
	EnqueuedAt time.Time
}

// NewDirectJob builds a job answering msg.
func NewDirectJob(id string, msg Message) DispatchJob {
	m := msg
	return DispatchJob{ID: id, Kind: JobDirect, Trigger: &m, ChannelID: msg.ChannelID, EnqueuedAt: time.Now()}
}

// NewAutonomousJob builds a job stemming from decision d.
func NewAutonomousJob(id string, d Decision) DispatchJob {
	return DispatchJob{
		ID:         id,
		Kind:       JobAutonomous,
		ChannelID:  d.ChannelID,
		DecisionID: d.ID,
		TargetID:   d.TargetMessageID,
		Reason:     d.Reason,
		EnqueuedAt: time.Now(),
	}
}
