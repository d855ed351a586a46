package uuid

import (
	"github.com/google/uuid"
)

// UUID is a textual UUID used for agent identifiers.
type UUID string

// NewOrdered creates a time-ordered UUID (version 7). Lexicographic order of
// the string form follows creation time, so the oldest agent sorts first.
func NewOrdered() UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is broken.
		return UUID(uuid.New().String())
	}
	return UUID(id.String())
}

// MustParseUUID parses s or panics
func MustParseUUID(s string) UUID {
	id, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseUUID validates s and returns it as UUID
func ParseUUID(s string) (UUID, error) {
	_, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return UUID(s), nil
}

// String returns the string form
func (u UUID) String() string {
	return string(u)
}

// IsZero reports whether the UUID is empty
func (u UUID) IsZero() bool {
	return u == ""
}
