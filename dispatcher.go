package keywarden

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Dispatcher executes logical requests against the inference API with the
// instance's bound credential, walking the capability's fallback chain on
// failure. The daily cap is enforced here, per request, before any network
// call: a bound instance whose credential fills up mid-run keeps its binding
// but has each further request refused.
type Dispatcher struct {
	pool           *CredentialPool
	ledger         Ledger
	router         *Router
	endpoint       Endpoint
	meter          Meter
	pacer          *pacer
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	requestTimeout time.Duration
	countFailed    bool
	now            func() time.Time
}

// Execute runs one logical request for a bound instance.
//
// Per model tier: check today's count against the credential's daily cap
// (fail fast with ErrQuotaExceeded, no network call), pace to the per-minute
// cap, then call the provider. 429 is retried on the same model with
// exponential backoff and jitter, honoring Retry-After, up to the retry
// budget; 5xx and network errors advance to the next tier. An auth rejection
// disables the credential and surfaces ErrCredentialInvalid. Success
// increments the ledger and returns; a failed increment fails closed with
// ErrLedgerUnavailable.
func (d *Dispatcher) Execute(ctx context.Context, instanceID string, cred Credential, capability Capability, payload Payload) (Response, error) {
	day := DayOf(d.now())

	var lastErr error
	attempts := 0
	lastModel := ""
	for attempt := 0; ; attempt++ {
		model, err := d.router.Resolve(capability, attempt)
		if errors.Is(err, ErrChainExhausted) {
			break
		}
		if err != nil {
			return Response{}, err
		}
		attempts = attempt + 1
		lastModel = model

		count, err := d.ledger.UsageCount(ctx, cred.ID, day)
		if err != nil {
			return Response{}, &DispatchError{
				Err:          fmt.Errorf("%w: %v", ErrLedgerUnavailable, err),
				InstanceID:   instanceID,
				CredentialID: cred.ID,
				Model:        model,
				Attempts:     attempts,
			}
		}
		if count >= cred.DailyCap {
			return Response{}, &DispatchError{
				Err:          ErrQuotaExceeded,
				InstanceID:   instanceID,
				CredentialID: cred.ID,
				Model:        model,
				Attempts:     attempts,
			}
		}

		d.meter.OnDispatch(DispatchEvent{
			InstanceID:   instanceID,
			CredentialID: cred.ID,
			Capability:   capability,
			Model:        model,
			Attempt:      attempt,
		})

		start := d.now()
		resp, err := d.callModel(ctx, cred, model, payload)
		duration := time.Since(start)

		if err == nil {
			newCount, ierr := d.ledger.IncrementUsage(ctx, cred.ID, day, d.now())
			if ierr != nil {
				// Fail closed: without a recorded increment the credential
				// cannot be trusted for this request.
				return Response{}, &DispatchError{
					Err:          fmt.Errorf("%w: %v", ErrLedgerUnavailable, ierr),
					InstanceID:   instanceID,
					CredentialID: cred.ID,
					Model:        model,
					Attempts:     attempts,
				}
			}
			d.meter.OnOutcome(OutcomeEvent{
				InstanceID:   instanceID,
				CredentialID: cred.ID,
				Capability:   capability,
				Model:        model,
				Kind:         OutcomeSuccess,
				Duration:     duration,
				UsageToday:   newCount,
			})
			resp.CredentialID = cred.ID
			resp.Attempts = attempts
			return resp, nil
		}

		d.meter.OnOutcome(OutcomeEvent{
			InstanceID:   instanceID,
			CredentialID: cred.ID,
			Capability:   capability,
			Model:        model,
			Kind:         outcomeKind(err),
			Duration:     duration,
			Err:          err,
		})

		if errors.Is(err, ErrCredentialInvalid) {
			// Known-bad credential: exclude it from future selection and
			// fail the request rather than retrying with it.
			d.pool.Disable(cred.ID)
			return Response{}, &DispatchError{
				Err:          ErrCredentialInvalid,
				InstanceID:   instanceID,
				CredentialID: cred.ID,
				Model:        model,
				Attempts:     attempts,
			}
		}

		if ctx.Err() != nil {
			// Deadline expired mid-retry: no further fallback.
			return Response{}, &DispatchError{
				Err:          ctx.Err(),
				InstanceID:   instanceID,
				CredentialID: cred.ID,
				Model:        model,
				Attempts:     attempts,
			}
		}

		if d.countFailed && (errors.Is(err, ErrServerError) || errors.Is(err, ErrNetworkError)) {
			// The provider may count the attempt against the daily quota.
			_, _ = d.ledger.IncrementUsage(ctx, cred.ID, day, d.now())
		}

		lastErr = err
	}

	if lastErr == nil {
		return Response{}, ErrAllModelsFailed
	}
	return Response{}, &DispatchError{
		Err:          fmt.Errorf("%w: last error: %v", ErrAllModelsFailed, lastErr),
		InstanceID:   instanceID,
		CredentialID: cred.ID,
		Model:        lastModel,
		Attempts:     attempts,
	}
}

// callModel calls one model, retrying only on 429. Backoff is exponential
// with jitter; a Retry-After hint from the provider overrides the computed
// delay. Any other error is returned to the caller, which decides whether to
// advance the fallback chain.
func (d *Dispatcher) callModel(ctx context.Context, cred Credential, model string, payload Payload) (Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.baseDelay
	bo.MaxInterval = d.maxDelay
	bo.MaxElapsedTime = 0 // bounded by maxRetries, not wall time
	bo.Reset()

	req := EndpointRequest{
		Secret:      cred.Secret,
		Model:       model,
		Messages:    payload.Messages,
		MaxTokens:   payload.MaxTokens,
		Temperature: payload.Temperature,
	}

	for retry := 0; ; retry++ {
		if err := d.pacer.Wait(ctx, cred.ID, minuteInterval(cred.PerMinuteCap)); err != nil {
			return Response{}, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
		resp, err := d.endpoint.Complete(attemptCtx, req)
		cancel()

		if err == nil {
			return resp, nil
		}

		var rl *RateLimitError
		if !errors.As(err, &rl) || retry >= d.maxRetries {
			return Response{}, err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return Response{}, err
		}
		if rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func outcomeKind(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrCredentialInvalid):
		return OutcomeAuthError
	case errors.Is(err, ErrNetworkError),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return OutcomeNetworkError
	default:
		return OutcomeServerError
	}
}
