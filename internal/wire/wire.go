package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type Tag byte

const (
	TagSync       Tag = 0
	TagAwareness  Tag = 1
	TagSyncUpdate Tag = 2
)

// frameHeaderSize is the length prefix of every sub-delta inside a SYNC payload.
const frameHeaderSize = 4

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrUnknownTag   = errors.New("unknown message tag")
	ErrTruncated    = errors.New("truncated frame")
)

type ProtocolError struct {
	Tag Tag
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (tag %d): %v", e.Tag, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (t Tag) String() string {
	switch t {
	case TagSync:
		return "SYNC"
	case TagAwareness:
		return "AWARENESS"
	case TagSyncUpdate:
		return "SYNC_UPDATE"
	default:
		return fmt.Sprintf("TAG(%d)", byte(t))
	}
}

func (t Tag) Valid() bool {
	return t == TagSync || t == TagAwareness || t == TagSyncUpdate
}

type Message struct {
	Tag     Tag
	Payload []byte
}

// Encode prefixes payload with its type tag. The payload is copied.
func Encode(tag Tag, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(tag)
	copy(out[1:], payload)
	return out
}

func Decode(msg []byte) (Message, error) {
	if len(msg) == 0 {
		return Message{}, &ProtocolError{Err: ErrEmptyMessage}
	}
	tag := Tag(msg[0])
	if !tag.Valid() {
		return Message{}, &ProtocolError{Tag: tag, Err: ErrUnknownTag}
	}
	payload := make([]byte, len(msg)-1)
	copy(payload, msg[1:])
	return Message{Tag: tag, Payload: payload}, nil
}

// FrameDeltas concatenates deltas, each preceded by a 4-byte big-endian length.
func FrameDeltas(deltas [][]byte) []byte {
	size := 0
	for _, delta := range deltas {
		size += frameHeaderSize + len(delta)
	}
	out := make([]byte, 0, size)
	var header [frameHeaderSize]byte
	for _, delta := range deltas {
		binary.BigEndian.PutUint32(header[:], uint32(len(delta)))
		out = append(out, header[:]...)
		out = append(out, delta...)
	}
	return out
}

// SplitFrames returns every complete length-prefixed frame in payload. Parsing
// stops at the first frame whose header or body runs past the end of the
// buffer; the frames read so far are returned together with ErrTruncated.
func SplitFrames(payload []byte) ([][]byte, error) {
	var frames [][]byte
	buf := payload
	for len(buf) > 0 {
		if len(buf) < frameHeaderSize {
			return frames, fmt.Errorf("%w: %d header bytes left", ErrTruncated, len(buf))
		}
		size := binary.BigEndian.Uint32(buf[:frameHeaderSize])
		if uint64(size) > uint64(len(buf)-frameHeaderSize) {
			return frames, fmt.Errorf("%w: declared %d bytes, %d remaining", ErrTruncated, size, len(buf)-frameHeaderSize)
		}
		frame := make([]byte, size)
		copy(frame, buf[frameHeaderSize:frameHeaderSize+int(size)])
		frames = append(frames, frame)
		buf = buf[frameHeaderSize+int(size):]
	}
	return frames, nil
}
