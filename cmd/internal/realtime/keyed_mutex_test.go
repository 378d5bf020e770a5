package realtime

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("c1")
			v := counter
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}

	km.mu.Lock()
	n := len(km.locks)
	km.mu.Unlock()
	if n != 0 {
		t.Fatalf("locks not released: %d entries", n)
	}
}

func TestKeyedMutex_KeysAreIndependent(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	<-done
}
