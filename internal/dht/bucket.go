package dht

import (
	"crypto/sha1"
	"sync"
	"time"
)

// K is Kademlia's bucket size: at most K good contacts per prefix length.
const K = 8

type Bucket struct {
	mut         sync.RWMutex
	contacts    []*Contact
	lastChanged time.Time
}

func NewBucket() *Bucket {
	return &Bucket{
		contacts:    make([]*Contact, 0, K),
		lastChanged: time.Now(),
	}
}

func (b *Bucket) Len() int {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts)
}

func (b *Bucket) IsFull() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts) >= K
}

func (b *Bucket) Get(id [sha1.Size]byte) *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for _, c := range b.contacts {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Insert moves an existing contact to the most-recently-seen end, or
// appends a new one if the bucket isn't full. Returns false if the bucket
// is full and contact is new.
func (b *Bucket) Insert(contact *Contact) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == contact.ID() {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, contact)
			b.lastChanged = time.Now()
			return true
		}
	}

	if len(b.contacts) < K {
		b.contacts = append(b.contacts, contact)
		b.lastChanged = time.Now()
		return true
	}

	return false
}

func (b *Bucket) Remove(id [sha1.Size]byte) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.lastChanged = time.Now()
			return true
		}
	}
	return false
}

// LRU returns the least-recently-seen contact: the oldest entry, which is
// the one maintenance pings before evicting for a new node.
func (b *Bucket) LRU() *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[0]
}

func (b *Bucket) NeedsRefresh() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return time.Since(b.lastChanged) > 15*time.Minute
}

func (b *Bucket) All() []*Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	result := make([]*Contact, len(b.contacts))
	copy(result, b.contacts)
	return result
}
