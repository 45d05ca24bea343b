package health

import (
	"github.com/pkg/errors"

	"peerwire/protocol"
)

// Outcome is how a finished request reflects on the peer that served it.
type Outcome int

const (
	// Healthy outcomes count toward the peer's success rate.
	Healthy Outcome = iota
	// Unhealthy outcomes count against the peer.
	Unhealthy
)

func (o Outcome) String() string {
	if o == Unhealthy {
		return "unhealthy"
	}
	return "healthy"
}

// Classifier maps transport error codes to outcomes. Codes that are not in
// the table are unhealthy.
type Classifier map[protocol.ErrorCode]Outcome

// DefaultClassifier treats caller mistakes and cancellations as healthy:
// the peer answered correctly.
var DefaultClassifier = Classifier{
	protocol.ErrCodeBadRequest: Healthy,
	protocol.ErrCodeCancelled:  Healthy,
	protocol.ErrCodeTimeout:    Unhealthy,
	protocol.ErrCodeBusy:       Unhealthy,
	protocol.ErrCodeDeclined:   Unhealthy,
	protocol.ErrCodeUnexpected: Unhealthy,
	protocol.ErrCodeNetwork:    Unhealthy,
	protocol.ErrCodeProtocol:   Unhealthy,
}

// Classify returns the outcome of a request that finished with err.
// Success and application errors are healthy.
func (c Classifier) Classify(err error) Outcome {
	if err == nil {
		return Healthy
	}
	var appErr *protocol.ApplicationError
	if errors.As(err, &appErr) {
		return Healthy
	}
	var sysErr *protocol.SystemError
	if !errors.As(err, &sysErr) {
		return Unhealthy
	}
	if o, ok := c[sysErr.Code]; ok {
		return o
	}
	return Unhealthy
}
