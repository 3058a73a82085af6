package linking

import (
	"errors"

	"github.com/mxbridge/signal-provisioning/internal/signald"
)

// Outcome is the classified result of a completion wait. Exactly one Outcome
// is produced per WaitForCompletion call.
type Outcome int

const (
	// OutcomeSuccess: the handshake finished and the account was recorded.
	OutcomeSuccess Outcome = iota
	// OutcomeTimedOut: signald reported its own linking deadline expired.
	OutcomeTimedOut
	// OutcomeTransportDisconnected: the channel between signald and Signal
	// dropped before the handshake finished.
	OutcomeTransportDisconnected
	// OutcomeCallerCancelled: the caller went away while the handshake was
	// still running. The handshake itself keeps going.
	OutcomeCallerCancelled
	// OutcomeFatal: any other handshake failure.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeTransportDisconnected:
		return "transport_disconnected"
	case OutcomeCallerCancelled:
		return "caller_cancelled"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is what a completion wait resolves to. Account is set only for
// OutcomeSuccess, Err only for failure outcomes.
type Result struct {
	Outcome Outcome
	Account *signald.Account
	Err     error
}

// ioException is the marker signald includes in an InternalError's nested
// exception set when its upstream socket dropped mid-handshake.
const ioException = "java.io.IOException"

// ClassifyError maps a finish-link error onto a failure outcome. Pure and
// total: every non-nil error maps to exactly one outcome.
func ClassifyError(err error) Outcome {
	var timeoutErr *signald.TimeoutError
	if errors.As(err, &timeoutErr) {
		return OutcomeTimedOut
	}
	var internalErr *signald.InternalError
	if errors.As(err, &internalErr) && internalErr.HasException(ioException) {
		return OutcomeTransportDisconnected
	}
	return OutcomeFatal
}
