package broker

import "fmt"

// UnavailableError reports that Publish exhausted its retry budget without
// the broker acknowledging receipt. It corresponds to
// ErrorKind::BrokerUnavailable.
type UnavailableError struct {
	Topic   string
	Attempts int
	Cause   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable: topic=%s attempts=%d: %v", e.Topic, e.Attempts, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }
