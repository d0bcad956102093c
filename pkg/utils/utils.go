package utils

import (
	"fmt"
	"hash/maphash"
)

type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p <= 0.
func SetDefaultNum[T Number](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// CheckNumRange returns an error if v is not in [min, max].
func CheckNumRange[T Number](v, min, max T) error {
	if v < min || v > max {
		return fmt.Errorf("value %v out of range [%v, %v]", v, min, max)
	}
	return nil
}

// KeyHasher maps string keys to a stable index in [0, n).
// It is safe for concurrent use.
type KeyHasher struct {
	seed maphash.Seed
}

func NewKeyHasher() KeyHasher {
	return KeyHasher{seed: maphash.MakeSeed()}
}

// Index returns the bucket of key. n must be > 0.
func (h KeyHasher) Index(key string, n int) int {
	return int(maphash.String(h.seed, key) % uint64(n))
}
