package audit

import "context"

// ITrail is the audit-facing surface the coordinator writes to and
// operator tooling reads from. Append assigns rec.Seq and returns the
// assigned value.
type ITrail interface {
	Append(ctx context.Context, rec Record) (int64, error)
	Timeline(ctx context.Context, sagaID string) (*Timeline, error)
}
