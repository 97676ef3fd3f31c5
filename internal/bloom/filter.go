// Package bloom builds membership filters over the fund ids of a partition
// so that queries for one fund can skip files that never mention it.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultFPR is the false positive rate used when building partition filters.
const DefaultFPR = 0.01

// Filter is a bloom filter over strings. Contains never returns false for
// an added item.
type Filter struct {
	mu    sync.RWMutex
	words []uint64
	m     uint64 // bits
	k     uint64 // hash functions
	count uint64
}

// New creates a filter with at least numBits bits and numHashes hashes.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}
	words := (numBits + 63) / 64
	return &Filter{
		words: make([]uint64, words),
		m:     uint64(words * 64),
		k:     uint64(numHashes),
	}
}

// NewFor sizes a filter for n items at the given false positive rate.
func NewFor(n int, fpr float64) *Filter {
	return New(Parameters(n, fpr))
}

// FromValues builds a filter holding every non-empty value.
func FromValues(values []string, fpr float64) *Filter {
	distinct := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			distinct[v] = struct{}{}
		}
	}
	f := NewFor(len(distinct), fpr)
	for v := range distinct {
		f.Add(v)
	}
	return f
}

// Parameters returns the bit and hash counts for n items at rate fpr:
// m = -n ln(p) / ln(2)^2 and k = m/n ln(2).
func Parameters(n int, fpr float64) (numBits, numHashes int) {
	if n <= 0 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}
	m := -float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)
	k := m / float64(n) * math.Ln2

	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add inserts s.
func (f *Filter) Add(s string) {
	h1, h2 := murmur3.Sum128([]byte(s))

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.words[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Contains reports whether s may have been added.
func (f *Filter) Contains(s string) bool {
	h1, h2 := murmur3.Sum128([]byte(s))

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// NumBits returns the filter size in bits.
func (f *Filter) NumBits() int { return int(f.m) }

// NumHashes returns the number of hash functions.
func (f *Filter) NumHashes() int { return int(f.k) }

// EstimatedFPR is (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFPR() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	k, n, m := float64(f.k), float64(f.count), float64(f.m)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
