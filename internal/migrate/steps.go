package migrate

import (
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/models"
)

// BaseSchemaVersion is the schema version of records written before any step.
const BaseSchemaVersion = 1

// DefaultSteps returns the schema history of the productivity aggregates.
func DefaultSteps() []Step {
	return []Step{
		{
			ID:    "0002_task_priority",
			From:  1,
			To:    2,
			Types: []models.AggregateType{models.AggregateTask},
			Apply: AddFieldDefault("priority", 0),
		},
		{
			ID:    "0003_list_archived",
			From:  2,
			To:    3,
			Types: []models.AggregateType{models.AggregateList},
			Apply: Chain(RenameField("title", "name"), AddFieldDefault("archived", false)),
		},
	}
}

// CurrentSchemaVersion is the schema version new records are written with.
func CurrentSchemaVersion() int {
	return Target(DefaultSteps())
}

// AddFieldDefault sets field to value when the payload object lacks it.
// Payloads that already carry the field are returned untouched.
func AddFieldDefault(field string, value interface{}) ApplyFunc {
	return func(payload []byte) ([]byte, error) {
		obj, err := decodeObject(payload)
		if err != nil {
			return nil, err
		}
		if _, ok := obj[field]; ok {
			return payload, nil
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode default for %s: %w", field, err)
		}
		obj[field] = raw
		return json.Marshal(obj)
	}
}

// RenameField moves from to to. Payloads without from, or that already
// carry to, are returned untouched.
func RenameField(from, to string) ApplyFunc {
	return func(payload []byte) ([]byte, error) {
		obj, err := decodeObject(payload)
		if err != nil {
			return nil, err
		}
		v, ok := obj[from]
		if !ok {
			return payload, nil
		}
		if _, exists := obj[to]; exists {
			return payload, nil
		}

		delete(obj, from)
		obj[to] = v
		return json.Marshal(obj)
	}
}

// Chain applies fns in order, stopping at the first error.
func Chain(fns ...ApplyFunc) ApplyFunc {
	return func(payload []byte) ([]byte, error) {
		var err error
		for _, fn := range fns {
			if payload, err = fn(payload); err != nil {
				return nil, err
			}
		}
		return payload, nil
	}
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(payload) == 0 {
		return obj, nil
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if obj == nil {
		return make(map[string]json.RawMessage), nil
	}
	return obj, nil
}
