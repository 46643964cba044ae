// Package availability tracks, for a set of integer-indexed items (pieces),
// how many peers currently have each one, and supports O(1) amortized
// rarest-first selection over that count.
package availability

import (
	"math/bits"
	"math/rand"
	"sync"
)

// Bucket efficiently tracks items by their availability count: how many
// peers currently hold item i.
//
// Updates (Move) and rarest-lookup (FirstNonEmpty) are O(1) amortized: items
// at the same availability level live in a densely packed slice, and a
// bitmap of non-empty levels lets FirstNonEmpty skip directly to the lowest
// populated one instead of scanning every level.
type Bucket struct {
	rng *rand.Rand
	mu  sync.RWMutex

	// buckets[a] holds the dense slice of item indices whose availability
	// equals a. Removal is swap-with-last, so a bucket never holds gaps.
	buckets [][]int

	// avail[i] is the current availability count for item i, in [0, maxAvail].
	avail []uint16

	// pos[i] is the index of item i within buckets[avail[i]].
	pos []int

	maxAvail int

	// nonEmptyBits is a bitmap of which availability levels are non-empty;
	// bit k of word w is level w*64+k.
	nonEmptyBits []uint64
}

// NewBucket creates a Bucket for n items, all starting at availability 0,
// with levels ranging up to maxAvail.
func NewBucket(n, maxAvail int) *Bucket {
	if maxAvail < 0 {
		maxAvail = 0
	}

	b := &Bucket{
		rng:          rand.New(rand.NewSource(rand.Int63())),
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, n),
		pos:          make([]int, n),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	cap0 := max(1, n/(maxAvail+1))
	for a := range b.buckets {
		if a == 0 {
			continue
		}
		b.buckets[a] = make([]int, 0, cap0)
	}

	b.buckets[0] = make([]int, n)
	for i := 0; i < n; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if n > 0 {
		b.setBit(0)
	}

	return b
}

// Availability returns the current availability count of item i.
func (b *Bucket) Availability(i int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return int(b.avail[i])
}

// FirstNonEmpty returns the smallest availability level that currently has
// at least one item, or ok=false if every level is empty.
func (b *Bucket) FirstNonEmpty() (a int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// MaxLevel returns the highest configured availability level.
func (b *Bucket) MaxLevel() int { return b.maxAvail }

// Bucket returns a copy of the item indices at availability level a.
func (b *Bucket) Bucket(a int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if a < 0 || a > b.maxAvail {
		return nil
	}
	return append([]int(nil), b.buckets[a]...)
}

// Move adjusts item i's availability by delta (+1 on a HAVE/bitfield bit
// set, -1 when a peer holding it disconnects), clamped to [0, maxAvail].
func (b *Bucket) Move(i, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldA := int(b.avail[i])
	newA := min(b.maxAvail, max(0, oldA+delta))
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = uint16(newA)
}

func (b *Bucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	last := len(bucket) - 1

	bucket[pos] = bucket[last]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:last]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

// addTo inserts item i into level avail, swapping it to a random slot so
// rarest-first selection doesn't always pick the same piece first within a
// level (de-clumps the swarm).
func (b *Bucket) addTo(i, avail int) {
	bucket := append(b.buckets[avail], i)
	idx := len(bucket) - 1

	if idx > 0 {
		j := b.rng.Intn(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		b.pos[bucket[idx]] = idx
		b.pos[bucket[j]] = j
	} else {
		b.pos[i] = 0
	}

	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *Bucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *Bucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	if len(b.buckets[a]) == 0 {
		b.nonEmptyBits[w] &^= 1 << bit
	}
}
