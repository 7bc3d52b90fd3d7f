package sync

// EventType names a notification emitted by the engine.
type EventType string

const (
	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"
	EventAuthRequired  EventType = "sync.auth_required"
	EventItemFailed    EventType = "sync.item_failed"
	EventItemHeld      EventType = "sync.item_held"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type      EventType   `json:"type"`
	ItemID    string      `json:"item_id,omitempty"`
	RecordKey string      `json:"record_key,omitempty"`
	Error     string      `json:"error,omitempty"`
	Result    *SyncResult `json:"result,omitempty"`
}

// SyncEventHandler receives engine notifications. It is called on the
// draining goroutine and must not block.
type SyncEventHandler func(SyncEvent)
