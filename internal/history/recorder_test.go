package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/influxdb"
)

// memoryRepository is an in-memory Repository for recorder tests.
type memoryRepository struct {
	mu       sync.Mutex
	changes  []Change
	fail     error
	block    chan struct{}
	prunedBy []time.Duration
}

func (m *memoryRepository) Record(_ context.Context, c Change) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.changes = append(m.changes, c)
	return nil
}

func (m *memoryRepository) History(context.Context, homekit.CharacteristicRef, int) ([]Entry, error) {
	return nil, nil
}

func (m *memoryRepository) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prunedBy = append(m.prunedBy, olderThan)
	return 0, nil
}

func (m *memoryRepository) recorded() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Change(nil), m.changes...)
}

type memoryTelemetry struct {
	mu      sync.Mutex
	samples []influxdb.CharacteristicSample
}

func (m *memoryTelemetry) WriteCharacteristicValue(s influxdb.CharacteristicSample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return true
}

func changed(ref homekit.CharacteristicRef, v any, src homekit.ChangeSource) homekit.Event {
	return homekit.Event{
		Kind:             homekit.EventCharacteristicChanged,
		Time:             time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		AccessoryID:      ref.AccessoryID,
		ServiceID:        ref.ServiceID,
		CharacteristicID: ref.CharacteristicID,
		Value:            v,
		Source:           src,
	}
}

func TestRecorder_WritesChanges(t *testing.T) {
	repo := &memoryRepository{}
	tel := &memoryTelemetry{}
	rec := NewRecorder(RecorderConfig{
		Repository: repo,
		Telemetry:  tel,
		TypeOf:     func(homekit.CharacteristicRef) string { return "On" },
	})

	rec.Observe(changed(refLamp, true, homekit.SourceWrite))
	rec.Observe(homekit.Event{Kind: homekit.EventAccessoryAdded, AccessoryID: "A9"})
	rec.Observe(changed(refLevel, int64(30), homekit.SourceNotification))
	rec.Close()

	got := repo.recorded()
	if len(got) != 2 {
		t.Fatalf("recorded %d changes, want 2", len(got))
	}
	if got[0].Ref != refLamp || got[0].Value != true || got[0].Source != homekit.SourceWrite {
		t.Errorf("first change = %+v", got[0])
	}
	if got[1].Ref != refLevel {
		t.Errorf("second change ref = %v, want %v", got[1].Ref, refLevel)
	}

	tel.mu.Lock()
	defer tel.mu.Unlock()
	if len(tel.samples) != 2 {
		t.Fatalf("telemetry samples = %d, want 2", len(tel.samples))
	}
	if s := tel.samples[0]; s.Type != "On" || s.Source != "write" || s.AccessoryID != "A1" {
		t.Errorf("sample = %+v", s)
	}

	if st := rec.Stats(); st.Recorded != 2 || st.Failed != 0 || st.Dropped != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRecorder_RepositoryFailureCounted(t *testing.T) {
	repo := &memoryRepository{fail: errors.New("disk full")}
	rec := NewRecorder(RecorderConfig{Repository: repo})

	rec.Observe(changed(refLamp, false, homekit.SourceRead))
	rec.Close()

	if st := rec.Stats(); st.Failed != 1 || st.Recorded != 0 {
		t.Errorf("Stats() = %+v, want one failure", st)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &memoryRepository{block: make(chan struct{})}
	rec := NewRecorder(RecorderConfig{Repository: repo, Buffer: 1})

	// The first event is taken by the writer and blocks in Record; the
	// second fills the buffer; the rest are dropped.
	rec.Observe(changed(refLamp, true, homekit.SourceWrite))
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		rec.Observe(changed(refLamp, i%2 == 0, homekit.SourceNotification))
	}

	close(repo.block)
	rec.Close()

	st := rec.Stats()
	if st.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", st.Dropped)
	}
	if st.Recorded != 2 {
		t.Errorf("Recorded = %d, want 2", st.Recorded)
	}
}

func TestRecorder_ObserveAfterClose(t *testing.T) {
	repo := &memoryRepository{}
	rec := NewRecorder(RecorderConfig{Repository: repo})
	rec.Close()
	rec.Close()

	rec.Observe(changed(refLamp, true, homekit.SourceWrite))
	if n := len(repo.recorded()); n != 0 {
		t.Errorf("recorded %d changes after Close, want 0", n)
	}
}

func TestRecorder_PrunesOnStart(t *testing.T) {
	repo := &memoryRepository{}
	rec := NewRecorder(RecorderConfig{Repository: repo, Retention: 24 * time.Hour})
	rec.Close()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.prunedBy) == 0 || repo.prunedBy[0] != 24*time.Hour {
		t.Errorf("prunedBy = %v, want [24h]", repo.prunedBy)
	}
}

func TestRecorder_WithSQLite(t *testing.T) {
	repo := newTestRepository(t)
	rec := NewRecorder(RecorderConfig{Repository: repo})

	rec.Observe(changed(refLevel, int64(75), homekit.SourceWrite))
	rec.Close()

	got, err := repo.History(context.Background(), refLevel, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 1 || string(got[0].Value) != "75" {
		t.Errorf("History() = %+v", got)
	}
}
