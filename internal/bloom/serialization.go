package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const headerSize = 24

// ErrCorrupt is returned when a serialized filter cannot be decoded.
var ErrCorrupt = errors.New("bloom: corrupt filter")

// Marshal encodes f as a 24-byte little-endian header (bits, hashes,
// count) followed by the snappy-compressed bit array.
func (f *Filter) Marshal() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	raw := make([]byte, len(f.words)*8)
	for i, w := range f.words {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	compressed := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize+len(compressed))
	binary.LittleEndian.PutUint64(buf[0:8], f.m)
	binary.LittleEndian.PutUint64(buf[8:16], f.k)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	copy(buf[headerSize:], compressed)
	return buf
}

// Unmarshal decodes a filter written by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	m := binary.LittleEndian.Uint64(data[0:8])
	k := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])
	if m == 0 || k == 0 || m%64 != 0 {
		return nil, fmt.Errorf("%w: bits=%d hashes=%d", ErrCorrupt, m, k)
	}

	raw, err := snappy.Decode(nil, data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	words := m / 64
	if uint64(len(raw)) != words*8 {
		return nil, fmt.Errorf("%w: expected %d bytes of bits, got %d", ErrCorrupt, words*8, len(raw))
	}

	f := &Filter{words: make([]uint64, words), m: m, k: k, count: count}
	for i := range f.words {
		f.words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return f, nil
}
