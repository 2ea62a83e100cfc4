// Package limits implements the trade admission rules driven by system
// settings: a platform-wide maintenance switch and a per-user cap on the
// number of trades executed in one UTC day.
package limits

import (
	"errors"
	"time"

	"github.com/cryptosim/ledger-engine/internal/model"
)

var (
	// ErrMaintenance is returned while the platform is in maintenance mode.
	ErrMaintenance = errors.New("limits: platform is under maintenance")

	// ErrDailyLimit is returned when a user already executed the maximum
	// number of trades allowed for the current day.
	ErrDailyLimit = errors.New("limits: daily trade limit reached")
)

// Checker enforces trade admission limits.
type Checker struct {
	// MaintenanceMode blocks every trade when set.
	MaintenanceMode bool

	// MaxDailyTrades is the maximum number of trades per user per UTC day.
	// Zero or negative disables the rule.
	MaxDailyTrades int
}

// NewChecker creates a checker with the given settings.
func NewChecker(maintenance bool, maxDailyTrades int) *Checker {
	return &Checker{
		MaintenanceMode: maintenance,
		MaxDailyTrades:  maxDailyTrades,
	}
}

// Check validates whether one more trade may be executed at now, given the
// user's transaction log (any order).
//
// Returns nil if the trade is admitted, or an error describing the violation.
// A nil Checker admits everything.
func (c *Checker) Check(now time.Time, log []model.Transaction) error {
	if c == nil {
		return nil
	}
	if c.MaintenanceMode {
		return ErrMaintenance
	}
	if c.MaxDailyTrades <= 0 {
		return nil
	}

	if TradesOnDay(now, log) >= c.MaxDailyTrades {
		return ErrDailyLimit
	}
	return nil
}

// TradesOnDay counts completed transactions dated on the same UTC day as now.
func TradesOnDay(now time.Time, log []model.Transaction) int {
	day := now.UTC().Truncate(24 * time.Hour)
	count := 0
	for _, tx := range log {
		if tx.Status != model.StatusCompleted {
			continue
		}
		if tx.Timestamp.UTC().Truncate(24 * time.Hour).Equal(day) {
			count++
		}
	}
	return count
}
