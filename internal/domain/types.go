package domain

// Core Enums and Types

// AlertLevel represents the severity assigned to a quality-control alert
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
	LevelPanic    AlertLevel = "panic"
)

// Rank orders alert levels from least to most severe.
// Unknown levels rank below info.
func (l AlertLevel) Rank() int {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelCritical:
		return 3
	case LevelPanic:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the level is one of the four known severities
func (l AlertLevel) Valid() bool {
	return l.Rank() > 0
}

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusEscalated    AlertStatus = "escalated"
)

// LimitTier identifies one of the four nested biological limit tiers
type LimitTier string

const (
	TierAbsolute      LimitTier = "absolute"
	TierPhysiological LimitTier = "physiological"
	TierCritical      LimitTier = "critical"
	TierPanic         LimitTier = "panic"
)

// CheckType identifies one of the five independent validation checks
type CheckType string

const (
	CheckUnit           CheckType = "unit"
	CheckRange          CheckType = "range"
	CheckCoding         CheckType = "coding"
	CheckPrecision      CheckType = "precision"
	CheckCrossReference CheckType = "cross_reference"
)

// ChannelKind identifies a notification medium
type ChannelKind string

const (
	ChannelEmail ChannelKind = "email"
	ChannelSMS   ChannelKind = "sms"
	ChannelPager ChannelKind = "pager"
	ChannelEMR   ChannelKind = "emr_flag"
	ChannelChat  ChannelKind = "chat"
)

// Timeframe selects a reporting window for metrics and statistics
type Timeframe string

const (
	TimeframeHour  Timeframe = "1h"
	TimeframeDay   Timeframe = "24h"
	TimeframeWeek  Timeframe = "7d"
	TimeframeMonth Timeframe = "30d"
)

// ExportFormat selects a serialization for reports and dashboard exports
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatCSV      ExportFormat = "csv"
	FormatMarkdown ExportFormat = "markdown"
)
