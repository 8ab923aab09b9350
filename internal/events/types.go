package events

import "time"

// Event enumerates high-level topics inside the signal core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventSignalReceived Event = "signal.received"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventExecutionError Event = "execution.failed"
	EventRiskAlert      Event = "risk_alert"
	EventHealth         Event = "system.health"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Topic   Event     `json:"topic"`
	UserID  string    `json:"user_id,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}
