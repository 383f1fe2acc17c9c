package types

import "errors"

// Failure taxonomy. Everything terminal surfaces as one of these wrapped with
// the originating reason; retryable transport errors are classified by the
// executor and never reach a result until the attempt budget is exhausted.
var (
	// ErrRouteInvalid marks a malformed hop chain, rejected before submission.
	ErrRouteInvalid = errors.New("route invalid")

	// ErrStaleOpportunity marks a deadline that elapsed before submission.
	ErrStaleOpportunity = errors.New("stale opportunity")

	// ErrSimulationRevert marks a dry run predicting a revert; fatal for the
	// attempt, no retry.
	ErrSimulationRevert = errors.New("simulation revert")

	// ErrDisallowed marks a pre-trade risk gate refusal.
	ErrDisallowed = errors.New("execution disallowed")

	// ErrBreakerTripped marks the circuit breaker rejecting all new
	// submissions until reset or day-window rollover.
	ErrBreakerTripped = errors.New("circuit breaker tripped")
)
