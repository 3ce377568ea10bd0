package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID string. IDs minted later sort after earlier ones, which
// the store relies on as a tie-breaker when ordering rows created together.
func NewID() string {
	return ulid.Make().String()
}
