// Package automergedoc adapts an automerge document to the replica.Replica
// capability. Document content lives in a single text object at the root key
// "text"; deltas are concatenated automerge change chunks.
//
// Every document starts from the same genesis change, which creates the text
// object under a fixed actor with no timestamp. Replicas that edit a fresh
// document concurrently therefore insert into one shared text object instead
// of racing to create competing ones at the root key.
package automergedoc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/agentworkforce/relaydoc/internal/replica"
)

const (
	textKey = "text"
	// genesisActor owns the change that creates the text object.
	genesisActor = "0000"
)

var (
	genesisOnce sync.Once
	genesisRaw  []byte
	genesisErr  error
)

func genesis() ([]byte, error) {
	genesisOnce.Do(func() {
		doc := automerge.New()
		if err := doc.SetActorID(genesisActor); err != nil {
			genesisErr = fmt.Errorf("set genesis actor: %w", err)
			return
		}
		if err := doc.Path(textKey).Set(automerge.NewText("")); err != nil {
			genesisErr = fmt.Errorf("create text: %w", err)
			return
		}
		// The zero time leaves the timestamp out so every process builds
		// byte-identical genesis changes with the same hash.
		if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &time.Time{}}); err != nil {
			genesisErr = fmt.Errorf("commit genesis: %w", err)
			return
		}
		genesisRaw = doc.Save()
	})
	return genesisRaw, genesisErr
}

type Doc struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	observers map[int]func(replica.Update)
	nextObs   int
}

var _ replica.Replica = (*Doc)(nil)

// New returns a document holding only the genesis change.
func New(actorID string) (*Doc, error) {
	raw, err := genesis()
	if err != nil {
		return nil, err
	}
	return Load(raw, actorID)
}

func Load(raw []byte, actorID string) (*Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load automerge doc: %w", err)
	}
	if actorID != "" {
		if err := doc.SetActorID(actorID); err != nil {
			return nil, fmt.Errorf("set actor id: %w", err)
		}
	}
	return wrap(doc), nil
}

func wrap(doc *automerge.Doc) *Doc {
	return &Doc{doc: doc, observers: map[int]func(replica.Update){}}
}

func (d *Doc) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// Text returns the current document text, or "" before the first edit.
func (d *Doc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.doc.Path(textKey).Get()
	if err != nil {
		return "", err
	}
	if value.Kind() == automerge.KindVoid {
		return "", nil
	}
	return d.doc.Path(textKey).Text().Get()
}

// EditText runs fn against the document text, commits the result and emits
// the new changes to observers with replica.OriginLocal.
func (d *Doc) EditText(fn func(text *automerge.Text) error) ([]byte, error) {
	d.mu.Lock()
	before := d.doc.Heads()
	text, err := d.ensureTextLocked()
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if err := fn(text); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if _, err := d.doc.Commit("edit"); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("commit edit: %w", err)
	}
	changes, err := d.doc.Changes(before...)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("collect local changes: %w", err)
	}
	delta := automerge.SaveChanges(changes)
	observers := d.observersLocked()
	d.mu.Unlock()

	if len(delta) > 0 {
		for _, fn := range observers {
			fn(replica.Update{Delta: delta, Origin: replica.OriginLocal})
		}
	}
	return delta, nil
}

func (d *Doc) AppendText(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return d.EditText(func(text *automerge.Text) error {
		return text.Insert(text.Len(), s)
	})
}

func (d *Doc) StateVector() replica.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := replica.StateVector{}
	changes, err := d.doc.Changes()
	if err != nil {
		return sv
	}
	for _, ch := range changes {
		if seq := ch.ActorSeq(); seq > sv[ch.ActorID()] {
			sv[ch.ActorID()] = seq
		}
	}
	return sv
}

func (d *Doc) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

func (d *Doc) EncodeDiff(remoteStateVector []byte) ([]byte, error) {
	remote, err := replica.DecodeStateVector(remoteStateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, err
	}
	missing := make([]*automerge.Change, 0, len(changes))
	for _, ch := range changes {
		if ch.ActorID() == genesisActor {
			continue
		}
		if ch.ActorSeq() > remote[ch.ActorID()] {
			missing = append(missing, ch)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(missing), nil
}

// StateVectorOf reports, per actor, the longest gap-free run of changes
// carried by deltas.
func (d *Doc) StateVectorOf(deltas ...[]byte) (replica.StateVector, error) {
	seen := map[string]map[uint64]struct{}{}
	for _, delta := range deltas {
		if len(delta) == 0 {
			continue
		}
		changes, err := automerge.LoadChanges(delta)
		if err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		for _, ch := range changes {
			seqs, ok := seen[ch.ActorID()]
			if !ok {
				seqs = map[uint64]struct{}{}
				seen[ch.ActorID()] = seqs
			}
			seqs[ch.ActorSeq()] = struct{}{}
		}
	}
	return replica.ContiguousStateVector(seen), nil
}

func (d *Doc) Apply(delta []byte, origin replica.Origin) error {
	if len(delta) == 0 {
		return nil
	}
	d.mu.Lock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(delta); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("apply delta: %w", err)
	}
	changed := !sameHeads(before, d.doc.Heads())
	observers := d.observersLocked()
	d.mu.Unlock()

	if changed {
		update := replica.Update{Delta: append([]byte(nil), delta...), Origin: origin}
		for _, fn := range observers {
			fn(update)
		}
	}
	return nil
}

func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save(), nil
}

func (d *Doc) Observe(fn func(replica.Update)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Doc) ensureTextLocked() (*automerge.Text, error) {
	value, err := d.doc.Path(textKey).Get()
	if err != nil {
		return nil, err
	}
	if value.Kind() == automerge.KindVoid {
		if err := d.doc.Path(textKey).Set(automerge.NewText("")); err != nil {
			return nil, fmt.Errorf("create text: %w", err)
		}
	}
	return d.doc.Path(textKey).Text(), nil
}

func (d *Doc) observersLocked() []func(replica.Update) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(replica.Update), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
