package storage

import (
	"time"

	"manipwatch/internal/market"
)

// AlertRecord is a persisted alert plus its insertion time.
type AlertRecord struct {
	market.Alert
	CreatedAt time.Time `json:"created_at"`
}

// AlertFilter narrows ListRecentAlerts. Empty fields match everything.
type AlertFilter struct {
	Market  string
	Pattern market.PatternType
	Limit   int
}

// EventRecord is a persisted monitor warning event.
type EventRecord struct {
	ID int64 `json:"id"`
	market.MonitorEvent
}
