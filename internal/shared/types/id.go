package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID generates a new random identifier
func NewID() string {
	return uuid.New().String()
}

// ParseID validates that s is a UUID
func ParseID(s string) (string, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid ID: %w", err)
	}
	return s, nil
}
