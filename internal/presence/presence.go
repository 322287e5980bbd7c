// Package presence keeps the merged view of who is present on a
// conversation, built from server snapshots and incremental diffs.
package presence

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Meta is one presence entry of a participant, e.g. one connected device.
type Meta map[string]any

// Ref returns the server assigned phx_ref of the meta, empty if absent.
func (m Meta) Ref() string {
	ref, _ := m["phx_ref"].(string)
	return ref
}

// Same reports whether m and other describe the same presence entry.
// Entries carrying a phx_ref are matched by it, others by deep equality.
func (m Meta) Same(other Meta) bool {
	if ref := m.Ref(); ref != "" {
		return ref == other.Ref()
	}
	return other.Ref() == "" && reflect.DeepEqual(m, other)
}

func (m Meta) clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// State maps participant ids to their presence entries. On the wire it uses
// the shape {"<id>": {"metas": [...]}}.
type State map[string][]Meta

type wireEntry struct {
	Metas []Meta `json:"metas"`
}

// MarshalJSON encodes the state in wire form.
func (s State) MarshalJSON() ([]byte, error) {
	wire := make(map[string]wireEntry, len(s))
	for id, metas := range s {
		if metas == nil {
			metas = []Meta{}
		}
		wire[id] = wireEntry{Metas: metas}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a state in wire form.
func (s *State) UnmarshalJSON(data []byte) error {
	var wire map[string]wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(State, len(wire))
	for id, entry := range wire {
		if len(entry.Metas) == 0 {
			continue
		}
		out[id] = entry.Metas
	}
	*s = out
	return nil
}

// Clone returns a deep copy of s. The copy of a nil state is nil.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for id, metas := range s {
		cp := make([]Meta, len(metas))
		for i, m := range metas {
			cp[i] = m.clone()
		}
		out[id] = cp
	}
	return out
}

// IDs returns the participant ids in s, sorted.
func (s State) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Diff is an incremental presence update.
type Diff struct {
	Joins  State `json:"joins"`
	Leaves State `json:"leaves"`
}

// Event is what the consumer sees for each presence update. A snapshot
// sets State and leaves Joins and Leaves empty; a diff leaves State nil.
type Event struct {
	State  State
	Joins  State
	Leaves State
}

// IsSnapshot reports whether the event came from a full state.
func (e Event) IsSnapshot() bool { return e.State != nil }

// DecodeState parses a presence_state payload.
func DecodeState(payload json.RawMessage) (State, error) {
	var s State
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode presence state: %w", err)
	}
	return s, nil
}

// DecodeDiff parses a presence_diff payload.
func DecodeDiff(payload json.RawMessage) (Diff, error) {
	var d Diff
	if err := json.Unmarshal(payload, &d); err != nil {
		return Diff{}, fmt.Errorf("failed to decode presence diff: %w", err)
	}
	if d.Joins == nil {
		d.Joins = State{}
	}
	if d.Leaves == nil {
		d.Leaves = State{}
	}
	return d, nil
}

// Aggregator folds snapshots and diffs into the current presence view.
// It is safe for concurrent use.
type Aggregator struct {
	mu    sync.RWMutex
	state State
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{state: State{}}
}

// ApplyFullState replaces the view with s.
func (a *Aggregator) ApplyFullState(s State) Event {
	next := s.Clone()
	if next == nil {
		next = State{}
	}
	for id, metas := range next {
		if len(metas) == 0 {
			delete(next, id)
		}
	}

	a.mu.Lock()
	a.state = next
	a.mu.Unlock()

	return Event{State: next.Clone(), Joins: State{}, Leaves: State{}}
}

// ApplyDiff merges d into the view. Joined entries replace the one with the
// same phx_ref or are appended. Each left entry removes its match, and ids
// left without entries are dropped.
func (a *Aggregator) ApplyDiff(d Diff) Event {
	joins, leaves := d.Joins.Clone(), d.Leaves.Clone()
	if joins == nil {
		joins = State{}
	}
	if leaves == nil {
		leaves = State{}
	}

	a.mu.Lock()
	for id, metas := range joins {
		current := a.state[id]
		for _, m := range metas {
			current = upsert(current, m.clone())
		}
		if len(current) > 0 {
			a.state[id] = current
		}
	}
	for id, metas := range leaves {
		current, ok := a.state[id]
		if !ok {
			continue
		}
		for _, m := range metas {
			current = remove(current, m)
		}
		if len(current) == 0 {
			delete(a.state, id)
		} else {
			a.state[id] = current
		}
	}
	a.mu.Unlock()

	return Event{Joins: joins, Leaves: leaves}
}

// State returns a deep copy of the current view.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// Reset empties the view.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.state = State{}
	a.mu.Unlock()
}

// upsert replaces the entry with the same phx_ref, or appends m. Entries
// without a ref always add up, one per connected device.
func upsert(metas []Meta, m Meta) []Meta {
	if m.Ref() != "" {
		for i, cur := range metas {
			if cur.Same(m) {
				metas[i] = m
				return metas
			}
		}
	}
	return append(metas, m)
}

// remove drops the entries with the phx_ref of m. Without a ref only the
// first equal entry goes.
func remove(metas []Meta, m Meta) []Meta {
	if m.Ref() == "" {
		for i, cur := range metas {
			if cur.Same(m) {
				return append(metas[:i], metas[i+1:]...)
			}
		}
		return metas
	}
	out := metas[:0]
	for _, cur := range metas {
		if !cur.Same(m) {
			out = append(out, cur)
		}
	}
	return out
}
