package moderation

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
)

// countingStore knows no users and counts the writes it was asked for.
type countingStore struct {
	updates atomic.Int32
}

func (s *countingStore) GetCounters(context.Context, string) (*UserCounters, error) {
	return nil, ErrUserNotFound
}

func (s *countingStore) CreateCounters(context.Context, string) error { return nil }

func (s *countingStore) UpdateCounters(context.Context, string, func(c *UserCounters) error) (*UserCounters, error) {
	s.updates.Add(1)
	return nil, ErrUserNotFound
}

func TestThresholdEnforcer_LocksAreReleased(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{}
	e := NewThresholdEnforcer(store, DefaultThresholds())

	var wg conc.WaitGroup
	for i := 0; i < 200; i++ {
		user := fmt.Sprintf("u%d", i%20)
		wg.Go(func() {
			e.AddRisk(ctx, user, 1)
			e.ApplyThreshold(ctx, user)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(200), store.updates.Load())
	assert.Zero(t, e.locks.Size(), "idle users must not keep a lock entry")
}

func TestThresholdEnforcer_LockIsHeldUntilUnlock(t *testing.T) {
	e := NewThresholdEnforcer(&countingStore{}, DefaultThresholds())

	unlock := e.lockUser("u1")
	assert.Equal(t, 1, e.locks.Size())

	acquired := make(chan struct{})
	go func() {
		e.lockUser("u1")()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second holder got the lock while the first still held it")
	default:
	}

	unlock()
	<-acquired
	assert.Zero(t, e.locks.Size())
}
