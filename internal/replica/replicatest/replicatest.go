// Package replicatest provides a small deterministic replica for tests. It
// keeps a grow-only set of (actor, seq) text operations and renders them in a
// fixed order, which is enough to observe convergence, idempotence and
// causal gaps without a real sequence CRDT.
package replicatest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/replica"
)

type Op struct {
	Actor string `json:"a"`
	Seq   uint64 `json:"s"`
	Text  string `json:"t"`
}

type Replica struct {
	mu        sync.Mutex
	actor     string
	ops       map[string]map[uint64]string
	pending   map[string]map[uint64]string
	sv        replica.StateVector
	observers map[int]func(replica.Update)
	nextObs   int
	applied   int
}

var _ replica.Replica = (*Replica)(nil)

func New(actor string) *Replica {
	return &Replica{
		actor:     actor,
		ops:       map[string]map[uint64]string{},
		pending:   map[string]map[uint64]string{},
		sv:        replica.StateVector{},
		observers: map[int]func(replica.Update){},
	}
}

func EncodeOps(ops ...Op) []byte {
	data, _ := json.Marshal(ops)
	return data
}

func DecodeOps(delta []byte) ([]Op, error) {
	var ops []Op
	if len(delta) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(delta, &ops); err != nil {
		return nil, fmt.Errorf("decode ops: %w", err)
	}
	return ops, nil
}

// Insert authors a new local operation and notifies observers with OriginLocal.
func (r *Replica) Insert(text string) []byte {
	r.mu.Lock()
	seq := r.sv[r.actor] + 1
	r.integrateLocked(Op{Actor: r.actor, Seq: seq, Text: text})
	delta := EncodeOps(Op{Actor: r.actor, Seq: seq, Text: text})
	observers := r.observersLocked()
	r.mu.Unlock()
	notify(observers, replica.Update{Delta: delta, Origin: replica.OriginLocal})
	return delta
}

func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []Op
	for actor, seqs := range r.ops {
		for seq, text := range seqs {
			ops = append(ops, Op{Actor: actor, Seq: seq, Text: text})
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Seq != ops[j].Seq {
			return ops[i].Seq < ops[j].Seq
		}
		return ops[i].Actor < ops[j].Actor
	})
	var b strings.Builder
	for _, op := range ops {
		b.WriteString(op.Text)
	}
	return b.String()
}

// ApplyCount reports how many Apply calls have been made.
func (r *Replica) ApplyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

func (r *Replica) StateVector() replica.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := replica.StateVector{}
	for id, seq := range r.sv {
		out[id] = seq
	}
	return out
}

func (r *Replica) EncodeStateVector() []byte {
	return r.StateVector().Encode()
}

func (r *Replica) EncodeDiff(remoteStateVector []byte) ([]byte, error) {
	remote, err := replica.DecodeStateVector(remoteStateVector)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []Op
	for actor, seqs := range r.ops {
		for seq, text := range seqs {
			if seq > remote[actor] {
				missing = append(missing, Op{Actor: actor, Seq: seq, Text: text})
			}
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	sortOps(missing)
	return EncodeOps(missing...), nil
}

func (r *Replica) StateVectorOf(deltas ...[]byte) (replica.StateVector, error) {
	seen := map[string]map[uint64]struct{}{}
	for _, delta := range deltas {
		ops, err := DecodeOps(delta)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if seen[op.Actor] == nil {
				seen[op.Actor] = map[uint64]struct{}{}
			}
			seen[op.Actor][op.Seq] = struct{}{}
		}
	}
	return replica.ContiguousStateVector(seen), nil
}

func (r *Replica) Apply(delta []byte, origin replica.Origin) error {
	ops, err := DecodeOps(delta)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.applied++
	changed := false
	for _, op := range ops {
		if r.integrateLocked(op) {
			changed = true
		}
	}
	observers := r.observersLocked()
	r.mu.Unlock()
	if changed {
		notify(observers, replica.Update{Delta: append([]byte(nil), delta...), Origin: origin})
	}
	return nil
}

func (r *Replica) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Op
	for _, set := range []map[string]map[uint64]string{r.ops, r.pending} {
		for actor, seqs := range set {
			for seq, text := range seqs {
				all = append(all, Op{Actor: actor, Seq: seq, Text: text})
			}
		}
	}
	sortOps(all)
	return EncodeOps(all...), nil
}

func (r *Replica) Observe(fn func(replica.Update)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// integrateLocked stores op and promotes any pending ops that became
// contiguous. It reports whether anything new was learned.
func (r *Replica) integrateLocked(op Op) bool {
	if op.Seq == 0 || op.Seq <= r.sv[op.Actor] {
		return false
	}
	if _, dup := r.pending[op.Actor][op.Seq]; dup {
		return false
	}
	if r.pending[op.Actor] == nil {
		r.pending[op.Actor] = map[uint64]string{}
	}
	r.pending[op.Actor][op.Seq] = op.Text
	for {
		next := r.sv[op.Actor] + 1
		text, ok := r.pending[op.Actor][next]
		if !ok {
			break
		}
		delete(r.pending[op.Actor], next)
		if r.ops[op.Actor] == nil {
			r.ops[op.Actor] = map[uint64]string{}
		}
		r.ops[op.Actor][next] = text
		r.sv[op.Actor] = next
	}
	if len(r.pending[op.Actor]) == 0 {
		delete(r.pending, op.Actor)
	}
	return true
}

func (r *Replica) observersLocked() []func(replica.Update) {
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(replica.Update), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.observers[id])
	}
	return out
}

func notify(observers []func(replica.Update), update replica.Update) {
	for _, fn := range observers {
		fn(update)
	}
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Actor != ops[j].Actor {
			return ops[i].Actor < ops[j].Actor
		}
		return ops[i].Seq < ops[j].Seq
	})
}
