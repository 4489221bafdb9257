package envelope

import "fmt"

// MalformedError reports an envelope that cannot be encoded or decoded
// because a required field is missing or occurred_at is not parseable.
// It corresponds to ErrorKind::MalformedEvent in the error taxonomy.
type MalformedError struct {
	Reason string
	Fields []string
}

func (e *MalformedError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Fields)
	}
	return fmt.Sprintf("malformed event: %s", e.Reason)
}
