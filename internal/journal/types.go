package journal

import "encoding/json"

// EventType names a committed domain change.
type EventType string

const (
	EventActionRecorded   EventType = "ACTION_RECORDED"    // Staff action appended
	EventJobSubmitted     EventType = "JOB_SUBMITTED"      // Print job queued
	EventJobClaimed       EventType = "JOB_CLAIMED"        // Agent took the job
	EventJobAttemptFailed EventType = "JOB_ATTEMPT_FAILED" // Print attempt failed
	EventJobCompleted     EventType = "JOB_COMPLETED"      // Photo printed
	EventJobFailed        EventType = "JOB_FAILED"         // Attempts exhausted
	EventJobCancelled     EventType = "JOB_CANCELLED"      // Participant withdrew
)

// Event is one journal line.
type Event struct {
	Seq       uint64          `json:"seq"`       // Monotonically increasing per file
	Type      EventType       `json:"type"`      // Event type
	Subject   string          `json:"subject"`   // Participant the event concerns
	RefID     string          `json:"ref_id"`    // Action record or print job id
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Data      json.RawMessage `json:"data"`      // Record or job snapshot
	Checksum  uint32          `json:"checksum"`  // CRC32 over the fields above
}

// EventHandler consumes replayed events. Returning an error stops the replay.
type EventHandler func(event Event) error
