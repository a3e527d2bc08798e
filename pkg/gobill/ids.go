package gobill

import "github.com/google/uuid"

// newID returns a fresh entity identifier.
func newID() string {
	return uuid.NewString()
}
