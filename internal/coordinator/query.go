package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/TheMichaelB/recsync/internal/models"
)

// CompileQuery compiles a boolean filter over records. Expressions see the
// record as id, type, version, updated_at, deleted, schema_version and
// payload, where payload is the decoded JSON document.
func CompileQuery(expression string) (*exprvm.Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("query expression cannot be empty")
	}

	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile query %q: %w", expression, err)
	}
	return program, nil
}

// QueryExpr returns the live records of one type for which expression
// evaluates to true. Records the expression fails on are skipped.
func (c *Coordinator) QueryExpr(ctx context.Context, t models.AggregateType, expression string) ([]*models.Record, error) {
	program, err := CompileQuery(expression)
	if err != nil {
		return nil, &models.CoordinatorError{Op: "query", Err: err}
	}

	return c.Query(ctx, t, func(rec *models.Record) bool {
		ok, err := Match(program, rec)
		if err != nil {
			c.logger.WithError(err).WithField("record", rec.Key().String()).Debug("Query expression skipped record")
			return false
		}
		return ok
	})
}

// Match evaluates a compiled query against one record.
func Match(program *exprvm.Program, rec *models.Record) (bool, error) {
	out, err := exprlang.Run(program, recordEnv(rec))
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("query returned %T, want bool", out)
	}
	return ok, nil
}

func recordEnv(rec *models.Record) map[string]any {
	var payload any
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			payload = string(rec.Payload)
		}
	}

	return map[string]any{
		"id":             rec.ID,
		"type":           string(rec.Type),
		"version":        rec.Version,
		"updated_at":     rec.UpdatedAt,
		"deleted":        rec.Deleted,
		"schema_version": rec.SchemaVersion,
		"payload":        payload,
	}
}
