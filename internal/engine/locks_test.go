package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectLocks_SerializeSameID(t *testing.T) {
	locks := newSubjectLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, locks.held(), "entries are released once unlocked")
}

func TestSubjectLocks_IndependentIDs(t *testing.T) {
	locks := newSubjectLocks()

	unlockA := locks.lock(1)
	unlockB := locks.lock(2)

	assert.Equal(t, 2, locks.held())
	unlockA()
	unlockB()
	assert.Zero(t, locks.held())
}
