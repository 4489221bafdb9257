package sql

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"partnersaga/sagastore"
)

type scanner interface {
	Scan(dest ...any) error
}

func marshalInstance(inst *sagastore.Instance) (completed, failed string, pending sql.NullString, payload string, err error) {
	c, err := json.Marshal(inst.CompletedSteps)
	if err != nil {
		return "", "", sql.NullString{}, "", err
	}
	f, err := json.Marshal(inst.FailedSteps)
	if err != nil {
		return "", "", sql.NullString{}, "", err
	}
	p, err := json.Marshal(inst.InitialPayload)
	if err != nil {
		return "", "", sql.NullString{}, "", err
	}

	if inst.PendingStep != nil {
		ps, err := json.Marshal(inst.PendingStep)
		if err != nil {
			return "", "", sql.NullString{}, "", err
		}
		pending = sql.NullString{String: string(ps), Valid: true}
	}

	return string(c), string(f), pending, string(p), nil
}

func scanInstance(row scanner) (*sagastore.Instance, error) {
	var inst sagastore.Instance
	var status, completed, failed, payload string
	var pending sql.NullString
	var createdAt, updatedAt time.Time

	if err := row.Scan(&inst.SagaID, &inst.SagaType, &inst.PartnerID, &inst.CorrelationID, &status, &completed,
		&failed, &pending, &payload, &createdAt, &updatedAt, &inst.Version); err != nil {
		return nil, err
	}

	inst.Status = sagastore.Status(status)
	inst.CreatedAt = createdAt
	inst.UpdatedAt = updatedAt

	if err := json.Unmarshal([]byte(completed), &inst.CompletedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(failed), &inst.FailedSteps); err != nil {
		return nil, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &inst.InitialPayload); err != nil {
			return nil, err
		}
	}
	if pending.Valid {
		var ps sagastore.PendingStep
		if err := json.Unmarshal([]byte(pending.String), &ps); err != nil {
			return nil, err
		}
		inst.PendingStep = &ps
	}
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*sagastore.Instance, error) {
	defer rows.Close()
	var out []*sagastore.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
