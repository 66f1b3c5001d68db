// Package audit records access and sharing events to append-only sinks.
//
// Recording is best-effort: a Recorder never blocks the caller on a sink
// and never reports sink failures back to it. Failures and overflow are
// logged and counted.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Action names the kind of event being recorded.
type Action string

const (
	ActionDownload       Action = "DOWNLOAD"
	ActionSharedWithUser Action = "SHARED_WITH_USER"
	ActionLinkIssued     Action = "LINK_ISSUED"
)

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is one audit record.
type Event struct {
	Timestamp time.Time
	UserID    string
	FileID    string
	Action    Action
	Details   string
}

type eventJSON struct {
	Timestamp string `json:"timestamp"`
	UserID    string `json:"userId"`
	FileID    string `json:"fileId"`
	Action    Action `json:"action"`
	Details   string `json:"details"`
}

// MarshalJSON renders the event as a single flat object with a UTC
// timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Timestamp: e.Timestamp.UTC().Format(timestampLayout),
		UserID:    e.UserID,
		FileID:    e.FileID,
		Action:    e.Action,
		Details:   e.Details,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return err
	}
	*e = Event{Timestamp: ts, UserID: raw.UserID, FileID: raw.FileID, Action: raw.Action, Details: raw.Details}
	return nil
}

// Sink durably stores events. Implementations must be safe for use by a
// single writer goroutine; Recorder never calls Write concurrently.
type Sink interface {
	Write(ctx context.Context, e Event) error
}
