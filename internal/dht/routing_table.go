package dht

import (
	"crypto/sha1"
	"sort"
)

// BucketCount is the number of prefix-length buckets in a 160-bit (SHA-1)
// keyspace routing table.
const BucketCount = sha1.Size * 8

// RoutingTable holds one Bucket per prefix length; each Bucket is
// independently locked, so no table-wide lock is needed for the
// aggregate walks below (FindClosestK, GetStats, ...).
type RoutingTable struct {
	localID [sha1.Size]byte
	buckets [BucketCount]*Bucket
}

func NewRoutingTable(localID [sha1.Size]byte) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket()
	}
	return rt
}

func (rt *RoutingTable) ID() [sha1.Size]byte { return rt.localID }

// Insert adds or refreshes contact. If its bucket is full, the bucket's
// least-recently-seen entry is evicted only if it has gone bad; otherwise
// the new contact is dropped (the maintenance loop is responsible for
// pinging questionable entries so future inserts can succeed).
func (rt *RoutingTable) Insert(contact *Contact) bool {
	if contact.ID() == rt.localID {
		return false
	}

	bucketIdx := BucketIndex(rt.localID, contact.ID())
	bucket := rt.buckets[bucketIdx]

	if bucket.Insert(contact) {
		return true
	}
	return rt.handleFullBucket(bucket, contact)
}

func (rt *RoutingTable) handleFullBucket(bucket *Bucket, newContact *Contact) bool {
	lru := bucket.LRU()
	if lru == nil {
		return false
	}

	if lru.IsBad() {
		bucket.Remove(lru.ID())
		bucket.Insert(newContact)
		return true
	}
	return false
}

func (rt *RoutingTable) Remove(id [sha1.Size]byte) bool {
	bucketIdx := BucketIndex(rt.localID, id)
	return rt.buckets[bucketIdx].Remove(id)
}

func (rt *RoutingTable) Get(id [sha1.Size]byte) *Contact {
	bucketIdx := BucketIndex(rt.localID, id)
	return rt.buckets[bucketIdx].Get(id)
}

// FindClosestK returns up to k contacts closest to target, chosen from
// every bucket and sorted by XOR distance to target.
func (rt *RoutingTable) FindClosestK(target [sha1.Size]byte, k int) []*Contact {
	var contacts []*Contact
	for _, bucket := range rt.buckets {
		contacts = append(contacts, bucket.All()...)
	}

	sort.Slice(contacts, func(i, j int) bool {
		return CompareDistance(target, contacts[i].ID(), contacts[j].ID()) < 0
	})

	if len(contacts) > k {
		contacts = contacts[:k]
	}
	return contacts
}

func (rt *RoutingTable) Size() int {
	count := 0
	for _, bucket := range rt.buckets {
		count += bucket.Len()
	}
	return count
}

func (rt *RoutingTable) GetBucketsNeedingRefresh() []int {
	var indices []int
	for i, bucket := range rt.buckets {
		if bucket.Len() > 0 && bucket.NeedsRefresh() {
			indices = append(indices, i)
		}
	}
	return indices
}

func (rt *RoutingTable) GetQuestionableContacts() []*Contact {
	var questionable []*Contact
	for _, bucket := range rt.buckets {
		for _, contact := range bucket.All() {
			if contact.IsQuestionable() {
				questionable = append(questionable, contact)
			}
		}
	}
	return questionable
}

type RoutingTableStats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
}

func (rt *RoutingTable) GetStats() RoutingTableStats {
	var stats RoutingTableStats

	for _, bucket := range rt.buckets {
		contacts := bucket.All()
		if len(contacts) == 0 {
			stats.EmptyBuckets++
			continue
		}

		stats.FilledBuckets++
		stats.TotalContacts += len(contacts)

		for _, c := range contacts {
			switch {
			case c.IsGood():
				stats.GoodContacts++
			case c.IsQuestionable():
				stats.QuestionableContacts++
			case c.IsBad():
				stats.BadContacts++
			}
		}
	}
	return stats
}
