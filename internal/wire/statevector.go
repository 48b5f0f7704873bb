package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidStateVector = errors.New("invalid state vector")

// EncodeStateVector writes a replica-id -> sequence map as
// uvarint(count) followed by uvarint(len(id)) id uvarint(seq), sorted by id.
// An empty or nil map encodes to an empty slice ("send everything").
func EncodeStateVector(sv map[string]uint64) []byte {
	if len(sv) == 0 {
		return []byte{}
	}
	ids := make([]string, 0, len(sv))
	for id := range sv {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := binary.AppendUvarint(nil, uint64(len(ids)))
	for _, id := range ids {
		out = binary.AppendUvarint(out, uint64(len(id)))
		out = append(out, id...)
		out = binary.AppendUvarint(out, sv[id])
	}
	return out
}

func DecodeStateVector(raw []byte) (map[string]uint64, error) {
	out := map[string]uint64{}
	if len(raw) == 0 {
		return out, nil
	}
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad count", ErrInvalidStateVector)
	}
	raw = raw[n:]
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < size {
			return nil, fmt.Errorf("%w: bad id at entry %d", ErrInvalidStateVector, i)
		}
		raw = raw[n:]
		id := string(raw[:size])
		raw = raw[size:]
		seq, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad sequence for %s", ErrInvalidStateVector, id)
		}
		raw = raw[n:]
		out[id] = seq
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidStateVector, len(raw))
	}
	return out, nil
}
