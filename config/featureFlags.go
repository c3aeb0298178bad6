package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var defaultDriftEpsilon = decimal.NewFromFloat(0.01)

// CapitalDriftEpsilon is the tolerance below which a reconciliation delta is treated as rounding.
//
// Set via env:
// - CAPITAL_DRIFT_EPSILON=0.01
func CapitalDriftEpsilon() decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv("CAPITAL_DRIFT_EPSILON"))
	if raw == "" {
		return defaultDriftEpsilon
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() {
		return defaultDriftEpsilon
	}
	return v
}

// CapitalLockTTL bounds how long a vendor capital lock may be held.
//
// Set via env:
// - CAPITAL_LOCK_TTL_SECONDS (default 30)
func CapitalLockTTL() time.Duration {
	secs := intFromEnv("CAPITAL_LOCK_TTL_SECONDS", 30)
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// CapitalLockRetry controls how long a writer waits for a busy vendor lock
// before failing with a lock timeout.
//
// Set via env:
// - CAPITAL_LOCK_RETRY_COUNT (default 50)
// - CAPITAL_LOCK_RETRY_INTERVAL_MS (default 100)
func CapitalLockRetry() (count int, interval time.Duration) {
	count = intFromEnv("CAPITAL_LOCK_RETRY_COUNT", 50)
	if count < 0 {
		count = 0
	}
	ms := intFromEnv("CAPITAL_LOCK_RETRY_INTERVAL_MS", 100)
	if ms <= 0 {
		ms = 100
	}
	return count, time.Duration(ms) * time.Millisecond
}

// CapitalDriftTopic is the Pub/Sub topic drift reports are published to.
// Empty disables publishing.
func CapitalDriftTopic() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_TOPIC_CAPITAL_DRIFT"))
}
