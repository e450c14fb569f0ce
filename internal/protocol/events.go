package protocol

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a state change broadcast to subscribers.
type EventType string

const (
	EventPositionMinted EventType = "position_minted"
	EventCommitted      EventType = "committed"
	EventEpochStarted   EventType = "epoch_started"
	EventEpochPending   EventType = "epoch_pending"
	EventEpochResolved  EventType = "epoch_resolved"
	EventClaimed        EventType = "claimed"
	EventDeposited      EventType = "deposited"
)

// Event is emitted after an instruction commits.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     EventType `json:"type"`
	Epoch    uint64    `json:"epoch"`
	PoolID   uint8     `json:"pool_id"`
	Owner    string    `json:"owner,omitempty"`
	Weight   uint64    `json:"weight,omitempty"`
	Amount   uint64    `json:"amount,omitempty"`
	UIAmount string    `json:"ui_amount,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier receives events. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

func (e *Engine) emit(ev Event) {
	ev.ID = uuid.New()
	ev.Time = e.clock().UTC()
	e.notifier.Notify(ev)
}
