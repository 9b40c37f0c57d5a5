package meter

import (
	"log/slog"

	"github.com/pielabs/keywarden"
)

// LogMeter logs manager events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keywarden.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAcquire(e keywarden.AcquireEvent) {
	m.Logger.Info("acquire",
		"instance", e.InstanceID,
		"credential", e.CredentialID,
		"usage_today", e.UsageToday,
		"rotated", e.Rotated,
	)
}

func (m *LogMeter) OnDispatch(e keywarden.DispatchEvent) {
	m.Logger.Info("dispatch",
		"instance", e.InstanceID,
		"credential", e.CredentialID,
		"capability", string(e.Capability),
		"model", e.Model,
		"attempt", e.Attempt,
	)
}

func (m *LogMeter) OnOutcome(e keywarden.OutcomeEvent) {
	if e.Kind == keywarden.OutcomeSuccess {
		m.Logger.Info("outcome",
			"instance", e.InstanceID,
			"credential", e.CredentialID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"usage_today", e.UsageToday,
		)
		return
	}
	m.Logger.Warn("outcome_error",
		"instance", e.InstanceID,
		"credential", e.CredentialID,
		"model", e.Model,
		"kind", e.Kind.String(),
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Err,
	)
}
