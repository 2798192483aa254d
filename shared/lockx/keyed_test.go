package lockx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside int32
	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "m-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Errorf("two holders of the same key")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if m.Len() != 0 {
		t.Fatalf("expected all entries released, got %d", m.Len())
	}
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	unlockA, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b should not wait on a: %v", err)
	}
	unlockB()
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "k"); err == nil {
		t.Fatalf("expected context error while key is held")
	}
	unlock()
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected entry dropped, got %d", m.Len())
	}
}
