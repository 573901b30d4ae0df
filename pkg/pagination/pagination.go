package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// ErrInvalidCursor wraps every cursor decoding failure.
var ErrInvalidCursor = errors.New("invalid cursor")

// Params holds a requested page size and the opaque cursor of the previous
// page, if any.
type Params struct {
	Limit  int
	Cursor string
}

// PageSize clamps Limit into [1, MaxLimit], with DefaultLimit for zero.
func (p Params) PageSize() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	}
	return p.Limit
}

// FetchSize is one row more than PageSize so a query can tell whether
// another page follows.
func (p Params) FetchSize() int {
	return p.PageSize() + 1
}

// Trim cuts rows fetched with FetchSize down to size and reports whether
// anything was cut.
func Trim[T any](rows []T, size int) ([]T, bool) {
	if len(rows) <= size {
		return rows, false
	}
	return rows[:size], true
}

// Cursor points at the last ledger entry a caller has already seen. Entries
// are ordered by their per-user sequence, which is strictly increasing.
type Cursor struct {
	Sequence int64     `json:"s"`
	ID       uuid.UUID `json:"id"`
}

// Encode renders the cursor as unpadded base64url JSON.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseCursor decodes a cursor produced by Encode. A blank value means the
// first page and yields nil.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cursor.Sequence <= 0 {
		return nil, fmt.Errorf("%w: sequence must be positive", ErrInvalidCursor)
	}
	if cursor.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing entry id", ErrInvalidCursor)
	}
	return &cursor, nil
}
