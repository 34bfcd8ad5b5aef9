package uid

import "github.com/google/uuid"

// maxExternalLength bounds request ids supplied by callers.
const maxExternalLength = 128

// New generates a new unique identifier.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Accept returns id if it is usable as a correlation id, or a fresh one.
func Accept(id string) string {
	if id == "" || len(id) > maxExternalLength {
		return New()
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return New()
		}
	}
	return id
}
