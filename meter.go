package keywarden

import "time"

// Meter observes manager events for monitoring/logging. Events carry
// credential IDs, never secrets.
type Meter interface {
	// OnAcquire is called when a starting instance is bound to a credential.
	OnAcquire(event AcquireEvent)

	// OnDispatch is called before each provider attempt.
	OnDispatch(event DispatchEvent)

	// OnOutcome is called when an attempt resolves.
	OnOutcome(event OutcomeEvent)
}

// AcquireEvent describes a credential assignment decision.
type AcquireEvent struct {
	InstanceID   string
	CredentialID string
	UsageToday   int64
	Rotated      bool // a different credential than the last assigned
}

// DispatchEvent describes one provider attempt about to be made.
type DispatchEvent struct {
	InstanceID   string
	CredentialID string
	Capability   Capability
	Model        string
	Attempt      int
}

// OutcomeEvent describes the result of a provider attempt.
type OutcomeEvent struct {
	InstanceID   string
	CredentialID string
	Capability   Capability
	Model        string
	Kind         OutcomeKind
	Duration     time.Duration
	UsageToday   int64
	Err          error
}

// noopMeter is the default meter.
type noopMeter struct{}

func (noopMeter) OnAcquire(AcquireEvent)   {}
func (noopMeter) OnDispatch(DispatchEvent) {}
func (noopMeter) OnOutcome(OutcomeEvent)   {}
