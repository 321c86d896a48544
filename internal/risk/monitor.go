// Package risk evaluates user-configured limits against live account
// metrics and raises tiered alerts.
package risk

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"botcore/internal/events"
	"botcore/pkg/db"
)

// Alert severities, most severe first.
const (
	SeverityBreached = "BREACHED"
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
)

// Limit kinds. Stored values are matched case-insensitively.
const (
	LimitPositionSize = "position_size"
	LimitDailyLoss    = "daily_loss"
	LimitDrawdown     = "drawdown"
	LimitLeverage     = "leverage"
	LimitExposure     = "exposure"
)

// Default thresholds when a limit row leaves them unset.
const (
	defaultWarningPct  = 80
	defaultCriticalPct = 95
)

// defaultDebounce collapses repeat alerts for the same limit and severity.
const defaultDebounce = 5 * time.Minute

// Metrics is one snapshot of a user's account state. Symbol and
// PositionNotional describe the position currently under evaluation, for
// symbol-scoped limits.
type Metrics struct {
	Equity           float64
	DailyPnL         float64
	UnrealizedPnL    float64
	RealizedPnL      float64
	DrawdownPct      float64
	MarginRatio      float64
	ExposurePct      float64
	Leverage         float64
	Symbol           string
	PositionNotional float64
}

// Monitor checks enabled risk limits, persists alerts and publishes them on
// the bus. Debounce state is in-memory per limit+severity.
type Monitor struct {
	store *db.Database
	bus   *events.Bus

	mu       sync.Mutex
	lastSent map[string]time.Time // limitID|severity -> emit time
	debounce time.Duration
	now      func() time.Time
}

func NewMonitor(store *db.Database, bus *events.Bus) *Monitor {
	return &Monitor{
		store:    store,
		bus:      bus,
		lastSent: make(map[string]time.Time),
		debounce: defaultDebounce,
		now:      time.Now,
	}
}

// Check evaluates every enabled limit of the user against the metrics and
// returns the alerts it raised. Global limits always apply; symbol-scoped
// limits only when the snapshot's symbol matches.
func (m *Monitor) Check(ctx context.Context, userID string, metrics Metrics) ([]db.RiskAlert, error) {
	limits, err := m.store.ListEnabledRiskLimits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list risk limits: %w", err)
	}

	var raised []db.RiskAlert
	for _, limit := range limits {
		if limit.Symbol != "" && limit.Symbol != metrics.Symbol {
			continue
		}
		current, ok := currentValue(limit, metrics)
		if !ok || limit.LimitValue <= 0 {
			continue
		}

		violationPct := current / limit.LimitValue * 100
		severity := severityFor(limit, violationPct)
		if severity == "" {
			continue
		}
		if m.debounced(limit.ID, severity) {
			continue
		}

		alert := db.RiskAlert{
			ID:           uuid.NewString(),
			UserID:       userID,
			LimitID:      limit.ID,
			LimitType:    limit.LimitType,
			Severity:     severity,
			Message:      alertMessage(limit, severity, current, violationPct),
			CurrentValue: current,
			LimitValue:   limit.LimitValue,
			ViolationPct: violationPct,
			Symbol:       limit.Symbol,
			CreatedAt:    m.now(),
		}
		if err := m.store.InsertRiskAlert(ctx, alert); err != nil {
			return raised, fmt.Errorf("persist risk alert: %w", err)
		}
		m.publish(alert)
		log.Printf("risk: user %s %s %s at %.1f%% (%.2f / %.2f)",
			userID, alert.Severity, strings.ToLower(alert.LimitType), violationPct, current, limit.LimitValue)
		raised = append(raised, alert)
	}
	return raised, nil
}

// currentValue maps a limit kind to the metric it constrains.
func currentValue(limit db.RiskLimit, m Metrics) (float64, bool) {
	switch strings.ToLower(limit.LimitType) {
	case LimitDailyLoss:
		// A positive daily pnl is no loss at all.
		if m.DailyPnL >= 0 {
			return 0, true
		}
		return -m.DailyPnL, true
	case LimitDrawdown:
		return m.DrawdownPct, true
	case LimitLeverage:
		return m.Leverage, true
	case LimitExposure:
		return m.ExposurePct, true
	case LimitPositionSize:
		return m.PositionNotional, true
	default:
		return 0, false
	}
}

// severityFor returns the highest tier the violation reaches, empty below
// the warning threshold.
func severityFor(limit db.RiskLimit, violationPct float64) string {
	warning, critical := limit.WarningThreshold, limit.CriticalThreshold
	if warning <= 0 {
		warning = defaultWarningPct
	}
	if critical <= 0 {
		critical = defaultCriticalPct
	}
	switch {
	case violationPct >= 100:
		return SeverityBreached
	case violationPct >= critical:
		return SeverityCritical
	case violationPct >= warning:
		return SeverityWarning
	default:
		return ""
	}
}

func alertMessage(limit db.RiskLimit, severity string, current, violationPct float64) string {
	kind := strings.ToLower(limit.LimitType)
	switch severity {
	case SeverityBreached:
		return fmt.Sprintf("%s limit exceeded: %.2f / %.2f (%.1f%%)", kind, current, limit.LimitValue, violationPct)
	case SeverityCritical:
		return fmt.Sprintf("%s limit critically approached: %.2f / %.2f (%.1f%%)", kind, current, limit.LimitValue, violationPct)
	default:
		return fmt.Sprintf("%s limit approached: %.2f / %.2f (%.1f%%)", kind, current, limit.LimitValue, violationPct)
	}
}

// debounced reports whether this limit+severity fired inside the window, and
// records the emit time when it did not.
func (m *Monitor) debounced(limitID, severity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := limitID + "|" + severity
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.debounce {
		return true
	}
	m.lastSent[key] = now
	return false
}

func (m *Monitor) publish(a db.RiskAlert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{
		UserID:       a.UserID,
		AlertID:      a.ID,
		LimitType:    a.LimitType,
		Severity:     a.Severity,
		Message:      a.Message,
		CurrentValue: a.CurrentValue,
		LimitValue:   a.LimitValue,
		ViolationPct: a.ViolationPct,
		Symbol:       a.Symbol,
		CreatedAt:    a.CreatedAt,
	})
}
