// Package replica defines the document replica capability consumed by the
// synchronization coordinator. Implementations own the merge algorithm; the
// coordinator only moves opaque deltas between replicas.
//
// Every implementation must merge without loss regardless of application
// order: applying a delta twice, or applying deltas in any order that respects
// the causal dependencies encoded inside them, yields the same state.
package replica

import (
	"strings"

	"github.com/agentworkforce/relaydoc/internal/wire"
)

// Origin tags an update with where it came from. It is never persisted.
type Origin string

const (
	OriginLocal Origin = "local"
	// OriginCache marks state restored from the local persistence cache.
	OriginCache Origin = "cache"

	remotePrefix = "remote:"
)

func Remote(sourceID string) Origin {
	return Origin(remotePrefix + sourceID)
}

func (o Origin) IsRemote() bool {
	return strings.HasPrefix(string(o), remotePrefix)
}

func (o Origin) IsLocal() bool {
	return o == OriginLocal
}

// Update is emitted to observers after a delta has been merged.
type Update struct {
	Delta  []byte
	Origin Origin
}

// StateVector maps a replica id to the highest contiguous sequence seen from it.
type StateVector map[string]uint64

// Covers reports whether sv has seen at least everything other has seen.
func (sv StateVector) Covers(other StateVector) bool {
	for id, seq := range other {
		if sv[id] < seq {
			return false
		}
	}
	return true
}

func (sv StateVector) Encode() []byte {
	return wire.EncodeStateVector(sv)
}

// ContiguousStateVector reduces the sequences seen per replica id to the
// highest one reachable from 1 without a gap.
func ContiguousStateVector(seen map[string]map[uint64]struct{}) StateVector {
	sv := StateVector{}
	for id, seqs := range seen {
		var n uint64
		for {
			if _, ok := seqs[n+1]; !ok {
				break
			}
			n++
		}
		if n > 0 {
			sv[id] = n
		}
	}
	return sv
}

func DecodeStateVector(raw []byte) (StateVector, error) {
	decoded, err := wire.DecodeStateVector(raw)
	if err != nil {
		return nil, err
	}
	return StateVector(decoded), nil
}

type Replica interface {
	StateVector() StateVector
	EncodeStateVector() []byte
	// EncodeDiff returns the delta a peer with the given encoded state
	// vector is missing, or nil when it is missing nothing. An empty vector
	// yields the full state.
	EncodeDiff(remoteStateVector []byte) ([]byte, error)
	// StateVectorOf returns the state vector of a peer holding exactly the
	// given deltas: per replica id, the highest sequence reachable without a
	// gap.
	StateVectorOf(deltas ...[]byte) (StateVector, error)
	Apply(delta []byte, origin Origin) error
	Snapshot() ([]byte, error)
	// Observe registers fn for every merged update. Observers run
	// synchronously on the goroutine that produced the update.
	Observe(fn func(Update)) (cancel func())
}
