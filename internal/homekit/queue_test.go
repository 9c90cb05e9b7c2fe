package homekit

import (
	"errors"
	"sync"
	"testing"
)

func TestFIFO_Order(t *testing.T) {
	q := newFIFO[int]()
	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.run(func(v int) { got = append(got, v) })
	}()

	for i := 0; i < 100; i++ {
		q.push(i)
	}
	q.close()
	<-done

	if len(got) != 100 {
		t.Fatalf("handled %d items, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d = %d, want %d", i, v, i)
		}
	}
	if q.push(1) {
		t.Error("push() after close = true, want false")
	}
}

func TestMutator_SerialisesOps(t *testing.T) {
	m := newMutator(noopLogger{})

	var (
		running int
		overlap bool
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.submitWait(func() {
				mu.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mu.Unlock()

				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	m.stop()

	if overlap {
		t.Error("mutator ran ops concurrently")
	}
}

func TestMutator_RecoversPanic(t *testing.T) {
	m := newMutator(noopLogger{})
	defer m.stop()

	if err := m.submitWait(func() { panic("boom") }); err != nil {
		t.Fatalf("submitWait() error = %v", err)
	}
	ran := false
	if err := m.submitWait(func() { ran = true }); err != nil {
		t.Fatalf("submitWait() error = %v", err)
	}
	if !ran {
		t.Error("mutator stopped after a panicking op")
	}
}

func TestMutator_AfterStop(t *testing.T) {
	m := newMutator(noopLogger{})
	m.stop()

	if err := m.submitWait(func() {}); !errors.Is(err, ErrShutdown) {
		t.Errorf("submitWait() after stop error = %v, want ErrShutdown", err)
	}
	if m.submit(func() {}) {
		t.Error("submit() after stop = true, want false")
	}
	m.stop()
}
