package common

import "github.com/google/uuid"

// NewID generates a fresh random identifier used for jobs, workflows, and
// uploaded files.
func NewID() string {
	return uuid.New().String()
}
