package credcache

import (
	"fmt"

	"github.com/hashicorp/vault/sdk/helper/base62"
)

// DefaultIDLength is the number of base62 characters in a generated ID.  24
// characters carry a bit over 142 bits of entropy, comfortably above the 128
// bit minimum required for single-use state/nonce values.
const DefaultIDLength = 24

// NewID generates an ID with an optional prefix.  The ID generated is
// suitable for a state or nonce value.
func NewID(optionalPrefix string) (string, error) {
	const op = "credcache.NewID"
	id, err := base62.Random(DefaultIDLength)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIdGeneratorFailed)
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
