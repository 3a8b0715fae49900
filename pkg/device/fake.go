package device

import (
	"context"
	"fmt"
	"sync"
)

// Write records a single SetValue call against the Fake.
type Write struct {
	ID    string
	Value float64
}

// Fake is an in-memory scriptable device for tests. States can be seeded
// directly, readings can be queued to be applied when the data trigger is
// pressed, and every write and press is recorded.
type Fake struct {
	mu sync.Mutex

	// DataTriggerID, when set, names the button whose press consumes the
	// next queued reading.
	DataTriggerID string

	entities []Entity
	states   map[string]string
	queued   []map[string]string

	writes     []Write
	presses    []string
	failPress  map[string]int
	missingIDs map[string]bool
}

// NewFake returns a Fake exposing the given entities.
func NewFake(entities ...Entity) *Fake {
	return &Fake{
		entities:   entities,
		states:     make(map[string]string),
		failPress:  make(map[string]int),
		missingIDs: make(map[string]bool),
	}
}

// SetState seeds or replaces an entity state.
func (f *Fake) SetState(id, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = value
}

// QueueReading schedules states to be applied on the next data trigger
// press. Multiple queued readings are consumed in order.
func (f *Fake) QueueReading(states map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, states)
}

// FailNextPress makes the next n presses of the given entity fail.
func (f *Fake) FailNextPress(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPress[id] = n
}

// RemoveState makes Get for the given entity fail until it is set again.
func (f *Fake) RemoveState(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
	f.missingIDs[id] = true
}

// Writes returns all recorded SetValue calls in order.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// Presses returns the IDs of all pressed entities in order.
func (f *Fake) Presses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.presses))
	copy(out, f.presses)
	return out
}

// Reset clears the recorded writes and presses but keeps states.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
	f.presses = nil
}

func (f *Fake) Get(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.states[id]
	if !ok {
		return "", fmt.Errorf("no state for entity %s: %w", id, ErrNotReady)
	}
	return v, nil
}

// SetValue records the write and updates the state so a later read of the
// same entity echoes the written value, like the real device does.
func (f *Fake) SetValue(ctx context.Context, id string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, Write{ID: id, Value: value})
	f.states[id] = fmt.Sprintf("%g", value)
	return nil
}

func (f *Fake) Press(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failPress[id]; n > 0 {
		f.failPress[id] = n - 1
		return fmt.Errorf("pressing %s: device busy", id)
	}
	f.presses = append(f.presses, id)
	if id == f.DataTriggerID && len(f.queued) > 0 {
		for k, v := range f.queued[0] {
			f.states[k] = v
		}
		f.queued = f.queued[1:]
	}
	return nil
}

func (f *Fake) Siblings(ctx context.Context, entityID string) ([]Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entity, len(f.entities))
	copy(out, f.entities)
	return out, nil
}
