package crdt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// mapEntry is one replicated field. Conflicts resolve last-writer-wins on
// (Clock, Actor): higher clock wins, ties break on the lexically greater
// actor id so every replica picks the same winner.
type mapEntry struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Clock   uint64          `json:"clock"`
	Actor   string          `json:"actor"`
	Deleted bool            `json:"deleted,omitempty"`
}

// wins reports whether e beats other under LWW ordering.
func (e mapEntry) wins(other mapEntry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Actor > other.Actor
}

// MergeMap is a last-writer-wins replicated map of string keys to JSON
// values. It implements Doc.
//
// Updates are encoded as JSON objects mapping keys to entries; merging an
// update keeps, per key, whichever entry wins the LWW comparison. Deletes
// are tombstones so they replicate like any other write.
type MergeMap struct {
	mu        sync.Mutex
	actor     string
	clock     uint64
	entries   map[string]mapEntry
	observers map[int]UpdateFunc
	nextObs   int
	destroyed bool
}

// NewMergeMap creates an empty MergeMap with a fresh actor id.
func NewMergeMap() *MergeMap {
	return &MergeMap{
		actor:     uuid.NewString(),
		entries:   make(map[string]mapEntry),
		observers: make(map[int]UpdateFunc),
	}
}

// Set writes a key locally and broadcasts the resulting update with
// OriginLocal.
func (m *MergeMap) Set(key string, value json.RawMessage) error {
	return m.SetAll(map[string]json.RawMessage{key: value})
}

// SetAll writes several keys as one update. The whole batch is stamped and
// broadcast atomically, so observers (and the transport) see a single
// update; this is what the staged-import path uses to apply an import as one
// transaction.
func (m *MergeMap) SetAll(values map[string]json.RawMessage) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if len(values) == 0 {
		m.mu.Unlock()
		return nil
	}

	delta := make(map[string]mapEntry, len(values))
	for key, value := range values {
		m.clock++
		e := mapEntry{Value: value, Clock: m.clock, Actor: m.actor}
		m.entries[key] = e
		delta[key] = e
	}
	update, err := json.Marshal(delta)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to encode update: %w", err)
	}
	obs := m.snapshotObservers()
	m.mu.Unlock()

	notify(obs, update, OriginLocal)
	return nil
}

// Delete removes a key locally via a tombstone and broadcasts the update.
func (m *MergeMap) Delete(key string) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.clock++
	e := mapEntry{Clock: m.clock, Actor: m.actor, Deleted: true}
	m.entries[key] = e
	update, err := json.Marshal(map[string]mapEntry{key: e})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to encode update: %w", err)
	}
	obs := m.snapshotObservers()
	m.mu.Unlock()

	notify(obs, update, OriginLocal)
	return nil
}

// Get returns the value for key, or false if the key is absent or deleted.
func (m *MergeMap) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Len returns the number of live (non-tombstoned) keys.
func (m *MergeMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// ApplyLocal implements Doc. The update is merged and re-broadcast with
// OriginLocal.
func (m *MergeMap) ApplyLocal(update []byte) error {
	return m.apply(update, OriginLocal)
}

// ApplyRemote implements Doc. The update is merged and broadcast with
// OriginRemote.
func (m *MergeMap) ApplyRemote(update []byte) error {
	return m.apply(update, OriginRemote)
}

func (m *MergeMap) apply(update []byte, origin Origin) error {
	var delta map[string]mapEntry
	if err := json.Unmarshal(update, &delta); err != nil {
		return fmt.Errorf("failed to decode update: %w", err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	changed := false
	for key, incoming := range delta {
		current, ok := m.entries[key]
		if ok && !incoming.wins(current) {
			continue
		}
		m.entries[key] = incoming
		changed = true
		if incoming.Clock > m.clock {
			m.clock = incoming.Clock
		}
	}
	obs := m.snapshotObservers()
	m.mu.Unlock()

	// Idempotent re-application produces no notification.
	if changed {
		notify(obs, update, origin)
	}
	return nil
}

// Serialize implements Doc. The full entry set (tombstones included) is
// encoded so that Load restores conflict-resolution metadata exactly.
func (m *MergeMap) Serialize() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrDestroyed
	}
	data, err := json.Marshal(m.entries)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// Load implements Doc. The stored state is merged entry-by-entry, so loading
// on top of existing content converges rather than clobbering.
func (m *MergeMap) Load(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	var stored map[string]mapEntry
	if err := json.Unmarshal(state, &stored); err != nil {
		return fmt.Errorf("failed to decode stored document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	for key, incoming := range stored {
		current, ok := m.entries[key]
		if ok && !incoming.wins(current) {
			continue
		}
		m.entries[key] = incoming
		if incoming.Clock > m.clock {
			m.clock = incoming.Clock
		}
	}
	return nil
}

// OnUpdate implements Doc.
func (m *MergeMap) OnUpdate(fn UpdateFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// IsEmpty implements Doc. A document with only tombstones is still
// considered non-empty: it has history, so a staged import must not run.
func (m *MergeMap) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) == 0
}

// Destroy implements Doc.
func (m *MergeMap) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	m.entries = nil
	m.observers = nil
}

func (m *MergeMap) snapshotObservers() []UpdateFunc {
	obs := make([]UpdateFunc, 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	return obs
}

// notify runs outside the map lock so observers can call back into the map.
func notify(obs []UpdateFunc, update []byte, origin Origin) {
	for _, fn := range obs {
		fn(update, origin)
	}
}
