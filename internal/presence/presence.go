// Package presence holds ephemeral per-session metadata (identity, cursor,
// selection) replicated alongside document content. Entries carry a
// per-client clock; the higher clock wins and a null state removes the entry.
// Remote entries that are not refreshed within the store timeout expire.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/replica"
)

const DefaultTimeout = 30 * time.Second

// tombstoneTimeouts is how many timeouts a removed remote entry is kept.
const tombstoneTimeouts = 3

// OriginExpired tags removals made by Expire.
const OriginExpired replica.Origin = "expired"

var ErrInvalidUpdate = errors.New("invalid presence update")

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Anchor Cursor `json:"anchor"`
	Head   Cursor `json:"head"`
}

type State struct {
	Name      string     `json:"name,omitempty"`
	Color     string     `json:"color,omitempty"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  replica.Origin
}

// IDs returns every client id touched by the change.
func (c Change) IDs() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type wireEntry struct {
	ClientID string `json:"clientId"`
	Clock    uint64 `json:"clock"`
	State    *State `json:"state"`
}

type entry struct {
	clock       uint64
	state       *State
	lastUpdated time.Time
}

type StoreOptions struct {
	Timeout time.Duration
	Now     func() time.Time
}

type Store struct {
	mu        sync.Mutex
	localID   string
	entries   map[string]*entry
	timeout   time.Duration
	now       func() time.Time
	observers map[int]func(Change)
	nextObs   int
}

func NewStore(localID string, opts StoreOptions) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		localID:   localID,
		entries:   map[string]*entry{},
		timeout:   opts.Timeout,
		now:       opts.Now,
		observers: map[int]func(Change){},
	}
}

func (s *Store) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

func (s *Store) Timeout() time.Duration {
	return s.timeout
}

func (s *Store) Local() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.localID]
	if !ok || e.state == nil {
		return State{}, false
	}
	return cloneState(*e.state), true
}

func (s *Store) SetLocal(state State) {
	s.mu.Lock()
	change := s.setLocalLocked(&state)
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, change)
}

// UpdateLocal applies fn to a copy of the local state and publishes it.
func (s *Store) UpdateLocal(fn func(*State)) {
	s.mu.Lock()
	var next State
	if e, ok := s.entries[s.localID]; ok && e.state != nil {
		next = cloneState(*e.state)
	}
	fn(&next)
	change := s.setLocalLocked(&next)
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, change)
}

func (s *Store) SetCursor(cursor *Cursor) {
	s.UpdateLocal(func(st *State) { st.Cursor = cursor })
}

func (s *Store) SetSelection(selection *Selection) {
	s.UpdateLocal(func(st *State) { st.Selection = selection })
}

// Renew republishes the current local state under a fresh clock. It is a
// no-op when no local state is set.
func (s *Store) Renew() bool {
	s.mu.Lock()
	e, ok := s.entries[s.localID]
	if !ok || e.state == nil {
		s.mu.Unlock()
		return false
	}
	state := cloneState(*e.state)
	change := s.setLocalLocked(&state)
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, change)
	return true
}

// LocalNeedsRenewal reports whether the local entry is older than half the
// timeout and would soon expire on peers.
func (s *Store) LocalNeedsRenewal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.localID]
	if !ok || e.state == nil {
		return false
	}
	return s.now().Sub(e.lastUpdated) >= s.timeout/2
}

// Rotate moves the local state to a new client id. The old entry is dropped
// rather than merged so peers see the new session as a distinct entry.
func (s *Store) Rotate(newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newID == "" || newID == s.localID {
		return
	}
	old, ok := s.entries[s.localID]
	delete(s.entries, s.localID)
	s.localID = newID
	if ok && old.state != nil {
		state := cloneState(*old.state)
		s.entries[newID] = &entry{clock: 0, state: &state, lastUpdated: s.now()}
	}
}

func (s *Store) RemoveLocal() {
	s.mu.Lock()
	e, ok := s.entries[s.localID]
	if !ok || e.state == nil {
		s.mu.Unlock()
		return
	}
	e.clock++
	e.state = nil
	e.lastUpdated = s.now()
	change := Change{Removed: []string{s.localID}, Origin: replica.OriginLocal}
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, change)
}

// States returns every live entry keyed by client id.
func (s *Store) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.entries))
	for id, e := range s.entries {
		if e.state != nil {
			out[id] = cloneState(*e.state)
		}
	}
	return out
}

// EncodeUpdate encodes exactly the given client ids. Unknown ids are skipped.
func (s *Store) EncodeUpdate(ids []string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireEntry, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		var state *State
		if e.state != nil {
			cloned := cloneState(*e.state)
			state = &cloned
		}
		out = append(out, wireEntry{ClientID: id, Clock: e.clock, State: state})
	}
	return json.Marshal(out)
}

func (s *Store) ApplyUpdate(raw []byte, origin replica.Origin) error {
	entries, err := decodeUpdate(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	now := s.now()
	change := Change{Origin: origin}
	for _, in := range entries {
		if in.ClientID == s.localID {
			continue
		}
		current, exists := s.entries[in.ClientID]
		if exists {
			newer := in.Clock > current.clock
			sameClockRemoval := in.Clock == current.clock && in.State == nil && current.state != nil
			if !newer && !sameClockRemoval {
				continue
			}
		}
		wasLive := exists && current.state != nil
		s.entries[in.ClientID] = &entry{clock: in.Clock, state: in.State, lastUpdated: now}
		switch {
		case in.State == nil && wasLive:
			change.Removed = append(change.Removed, in.ClientID)
		case in.State != nil && wasLive:
			change.Updated = append(change.Updated, in.ClientID)
		case in.State != nil:
			change.Added = append(change.Added, in.ClientID)
		}
	}
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, change)
	return nil
}

// Expire removes remote entries not refreshed within the timeout. Removed
// entries linger as tombstones so late updates with an older clock stay
// ignored, and are pruned once tombstoneTimeouts timeouts have passed since
// their last update.
func (s *Store) Expire() []string {
	s.mu.Lock()
	now := s.now()
	var removed []string
	for id, e := range s.entries {
		if id == s.localID {
			continue
		}
		if e.state == nil {
			if now.Sub(e.lastUpdated) >= tombstoneTimeouts*s.timeout {
				delete(s.entries, id)
			}
			continue
		}
		if now.Sub(e.lastUpdated) >= s.timeout {
			e.state = nil
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, Change{Removed: removed, Origin: OriginExpired})
	return removed
}

// Forget drops every remote entry without notifying peers.
func (s *Store) Forget() {
	s.mu.Lock()
	var removed []string
	for id, e := range s.entries {
		if id == s.localID {
			continue
		}
		if e.state != nil {
			removed = append(removed, id)
		}
		delete(s.entries, id)
	}
	sort.Strings(removed)
	observers := s.observersLocked()
	s.mu.Unlock()
	notify(observers, Change{Removed: removed, Origin: OriginExpired})
}

func (s *Store) Observe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) setLocalLocked(state *State) Change {
	e, ok := s.entries[s.localID]
	change := Change{Origin: replica.OriginLocal}
	if !ok {
		e = &entry{}
		s.entries[s.localID] = e
	}
	if e.state == nil {
		change.Added = []string{s.localID}
	} else {
		change.Updated = []string{s.localID}
	}
	e.clock++
	cloned := cloneState(*state)
	e.state = &cloned
	e.lastUpdated = s.now()
	return change
}

func (s *Store) observersLocked() []func(Change) {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func notify(observers []func(Change), change Change) {
	if change.empty() {
		return
	}
	for _, fn := range observers {
		fn(change)
	}
}

func decodeUpdate(raw []byte) ([]wireEntry, error) {
	if err := validateUpdate(raw); err != nil {
		return nil, err
	}
	var entries []wireEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return entries, nil
}

// ClientIDs lists the client ids and clocks carried by an encoded update.
func ClientIDs(raw []byte) (map[string]uint64, error) {
	entries, err := decodeUpdate(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(entries))
	for _, e := range entries {
		if e.Clock >= out[e.ClientID] {
			out[e.ClientID] = e.Clock
		}
	}
	return out, nil
}

// EncodeRemoval builds an update that removes each client id, using a clock
// one past the last one observed so peers accept it.
func EncodeRemoval(clocks map[string]uint64) ([]byte, error) {
	ids := make([]string, 0, len(clocks))
	for id := range clocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]wireEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, wireEntry{ClientID: id, Clock: clocks[id] + 1})
	}
	return json.Marshal(out)
}

func cloneState(in State) State {
	out := in
	if in.Cursor != nil {
		c := *in.Cursor
		out.Cursor = &c
	}
	if in.Selection != nil {
		sel := *in.Selection
		out.Selection = &sel
	}
	return out
}
