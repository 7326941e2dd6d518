package wal

import "github.com/ChuLiYu/litcurate/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: task queue state transitions recorded before they are applied
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // Task added to queue (carries the full task)
	EventDispatch EventType = "DISPATCH" // Task handed to a worker batch
	EventAck      EventType = "ACK"      // Annotation ingested from a sink
	EventFail     EventType = "FAIL"     // Failure marker ingested or worker_lost
	EventRequeue  EventType = "REQUEUE"  // Worker lost; task back to pending with Attempt
	EventReset    EventType = "RESET"    // Reconciled or retried; task back to pending
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64         `json:"seq"`       // monotonically increasing, survives Rotate
	Type      EventType      `json:"type"`      // event type
	TaskID    types.RecordID `json:"task_id"`   // task (record) id
	Timestamp int64          `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`  // CRC32 over the event with Checksum zeroed

	BatchID    string                      `json:"batch_id,omitempty"`
	Attempt    int                         `json:"attempt,omitempty"`
	Task       *types.AgentTask            `json:"task,omitempty"`
	Annotation *types.StructuredAnnotation `json:"annotation,omitempty"`
	Failure    *types.FailureMarker        `json:"failure,omitempty"`
}

// EventHandler is the function type for processing WAL events during Replay
type EventHandler func(event Event) error
