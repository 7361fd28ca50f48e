package market

import (
	"math"
	"time"
)

// PatternType enumerates detectable manipulation patterns.
type PatternType string

const (
	PatternWashTrading           PatternType = "WASH_TRADING"
	PatternPumpDump              PatternType = "PUMP_DUMP"
	PatternSpoofing              PatternType = "SPOOFING"
	PatternLayering              PatternType = "LAYERING"
	PatternHFT                   PatternType = "HFT"
	PatternFundingManipulation   PatternType = "FUNDING_MANIPULATION"
	PatternLiquidationCascade    PatternType = "LIQUIDATION_CASCADE"
	PatternBasisManipulation     PatternType = "BASIS_MANIPULATION"
	PatternPositionConcentration PatternType = "POSITION_CONCENTRATION"
	PatternModelFlagged          PatternType = "MODEL_FLAGGED"
)

// RiskLevel buckets an anomaly score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevelFor maps a score in [0,100] to its risk level: HIGH >= 80, MEDIUM >= 50, LOW otherwise.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskHigh
	case score >= 50:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClampScore bounds a score to [0,100].
func ClampScore(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return 0
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Alert is one detected suspicious pattern instance. Immutable once emitted.
type Alert struct {
	ID          string         `json:"alert_id"`
	Market      string         `json:"market"`
	Time        time.Time      `json:"timestamp"`
	Pattern     PatternType    `json:"pattern_type"`
	Score       float64        `json:"anomaly_score"`
	Risk        RiskLevel      `json:"risk_level"`
	Explanation string         `json:"explanation"`
	Evidence    map[string]any `json:"evidence"`
}

// DedupKey identifies the cooldown bucket of an alert.
func (a Alert) DedupKey() string {
	return a.Market + "|" + string(a.Pattern)
}

// EventKind classifies monitor warning events. These are never manipulation alerts.
type EventKind string

const (
	EventDemoted       EventKind = "FETCH_DEMOTED"
	EventSuspended     EventKind = "SUSPENDED"
	EventReadmitted    EventKind = "READMITTED"
	EventOverBudget    EventKind = "CYCLE_OVER_BUDGET"
	EventDiscoveryFail EventKind = "DISCOVERY_FAILED"
	EventRemoved       EventKind = "MARKET_REMOVED"
)

// MonitorEvent is a warning-class bookkeeping record.
type MonitorEvent struct {
	Market   string    `json:"market"`
	Kind     EventKind `json:"kind"`
	Time     time.Time `json:"timestamp"`
	Failures int       `json:"failures"`
	Message  string    `json:"message"`
}
