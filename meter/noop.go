package meter

import "github.com/pielabs/keywarden"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ keywarden.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnAcquire(keywarden.AcquireEvent)   {}
func (*NoopMeter) OnDispatch(keywarden.DispatchEvent) {}
func (*NoopMeter) OnOutcome(keywarden.OutcomeEvent)   {}
