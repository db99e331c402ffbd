package signaling

import (
	"fmt"

	"github.com/google/uuid"
)

// maxIdentityAttempts bounds identity regeneration after a registry
// collision.
const maxIdentityAttempts = 3

// IdentityFunc produces a new client identity.
type IdentityFunc func() (string, error)

// NewIdentity returns a random (version 4) UUID string.
func NewIdentity() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return id.String(), nil
}
