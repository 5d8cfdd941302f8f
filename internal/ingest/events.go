package ingest

import "time"

// Event types published while a run progresses.
const (
	EventStarted  = "started"
	EventProgress = "progress"
	EventRetrying = "retrying"
	EventFinished = "finished"
	EventFailed   = "failed"
)

// Event is a run progress notification.
type Event struct {
	Type    string     `json:"type"`
	RunID   string     `json:"run_id"`
	Trigger string     `json:"trigger"`
	Tier    string     `json:"tier,omitempty"`
	Batch   int        `json:"batch,omitempty"`
	Error   string     `json:"error,omitempty"`
	Summary RunSummary `json:"summary"`
	Time    time.Time  `json:"time"`
}

// Publisher receives run events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
