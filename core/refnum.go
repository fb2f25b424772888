/*
refnum.go - Public reference number generation

PURPOSE:
  Entrance records, payments and refunds carry a short reference number
  printed on receipts and read over the radio: "{YY}-{10 digits}". The
  number is derived deterministically from a UUID seed, so generation is a
  pure function (testable), while fresh seeds make collisions vanishingly
  rare in practice.

COLLISION HANDLING:
  The store reports an insert that failed on the ref_number unique
  constraint as ErrReferenceCollision. Callers draw a fresh seed and retry,
  capped at MaxRefAttempts; exhausting the cap surfaces
  ErrReferenceExhausted. This is the only internally-recovered error in
  the engine, and the retry is bounded.

FORMAT:
  Two-digit year prefix from the supplied timestamp, a dash, then the
  first 10 digits of the decimal rendering of the seed's SHA-256 digest.

SEE ALSO:
  - errors.go: ErrReferenceCollision, ErrReferenceExhausted
*/
package core

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// MaxRefAttempts bounds the collision retry loop.
const MaxRefAttempts = 5

// NewRef derives a reference number from seed and the current year.
// Pure: the same seed and time always produce the same string.
func NewRef(seed uuid.UUID, now time.Time) string {
	digest := sha256.Sum256([]byte(seed.String()))
	numeric := new(big.Int).SetBytes(digest[:]).String()[:10]
	return fmt.Sprintf("%02d-%s", now.Year()%100, numeric)
}

// GenerateRef draws fresh seeds and calls insert until it succeeds or the
// attempt cap is reached. insert must return ErrReferenceCollision only
// when the failure is attributable to the reference unique constraint;
// any other error aborts immediately.
func GenerateRef(now time.Time, insert func(ref string) error) (string, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRefAttempts; attempt++ {
		ref := NewRef(uuid.New(), now)
		err := insert(ref)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, ErrReferenceCollision) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrReferenceExhausted, MaxRefAttempts, lastErr)
}
