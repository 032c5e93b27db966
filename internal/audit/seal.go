package audit

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/dropDatabas3/consentvault/internal/codec"
)

const SealKeySize = 32

// Sealer computes and checks event seals.
type Sealer struct {
	key [SealKeySize]byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != SealKeySize {
		return nil, errors.New("audit: seal key must be 32 bytes")
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// canonical is the byte form covered by the seal: the event without its
// seal, timestamp in UTC.
func canonical(e Event) ([]byte, error) {
	e.Seal = nil
	e.Timestamp = e.Timestamp.UTC()
	if len(e.Detail) == 0 {
		e.Detail = nil
	}
	return codec.Marshal(e)
}

func (s *Sealer) Sum(e Event) ([]byte, error) {
	b, err := canonical(e)
	if err != nil {
		return nil, fmt.Errorf("audit: canonical form: %w", err)
	}
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("audit: blake3 keyed: %w", err)
	}
	h.Write(b)
	return h.Sum(nil), nil
}

// Verify reports whether e carries a valid seal.
func (s *Sealer) Verify(e Event) bool {
	if len(e.Seal) == 0 {
		return false
	}
	want, err := s.Sum(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, e.Seal) == 1
}
