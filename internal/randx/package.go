// Package randx generates probabilistically unique span identifiers.
package randx

import (
	"math/rand"
	"sync"
	"time"
)

var (
	seededGen     *rand.Rand
	seededGenOnce sync.Once
	seededLock    sync.Mutex
)

// GenSpanID returns a nonzero 63-bit random identifier. Zero is reserved to
// mean "no span", so the generator retries on the (vanishingly rare) zero.
func GenSpanID() uint64 {
	// Golang does not seed the rng for us. Make sure it happens.
	seededGenOnce.Do(func() {
		seededGen = rand.New(rand.NewSource(time.Now().UnixNano()))
	})

	// The golang random generators are *not* intrinsically thread-safe.
	seededLock.Lock()
	defer seededLock.Unlock()

	for {
		if id := uint64(seededGen.Int63()); id != 0 {
			return id
		}
	}
}
