package rp

import (
	"fmt"

	"github.com/hashicorp/vault/sdk/helper/base62"
)

// NewID generates an opaque random string of n base62 characters, suitable
// for use as an oidc state or nonce.
func NewID(n int) (string, error) {
	const op = "rp.NewID"
	if n <= 0 {
		return "", fmt.Errorf("%s: length not greater than zero: %w", op, ErrInvalidParameter)
	}
	id, err := base62.Random(n)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrIDGeneratorFailed, err)
	}
	return id, nil
}
