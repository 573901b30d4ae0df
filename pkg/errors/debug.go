package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// LogFields flattens err into structured log fields. The typed code and its
// retryability are included when the chain carries an *Error, and the
// Postgres diagnostics when it carries a *pgconn.PgError.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}

	fields := map[string]any{
		"error_message": err.Error(),
		"error_chain":   chain(err),
	}
	if typed := As(err); typed != nil {
		fields["error_code"] = typed.Code()
		fields["error_retryable"] = MetadataFor(typed.Code()).Retryable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for key, value := range map[string]string{
			"pg_code":       pgErr.Code,
			"pg_message":    pgErr.Message,
			"pg_detail":     pgErr.Detail,
			"pg_table":      pgErr.TableName,
			"pg_column":     pgErr.ColumnName,
			"pg_constraint": pgErr.ConstraintName,
		} {
			if value != "" {
				fields[key] = value
			}
		}
	}
	return fields
}

// chain lists each wrapped error outermost first, following single-cause
// unwrapping only.
func chain(err error) []string {
	var links []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		links = append(links, fmt.Sprintf("%T: %v", e, e))
	}
	return links
}
