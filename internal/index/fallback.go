// Package index provides the vector store manager: a remote pgvector-backed
// index as the source of truth plus an in-process LRU fallback that keeps
// search available, at reduced recall, when the remote side is down.
package index

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/contextd/contextd/internal/store"
	"github.com/contextd/contextd/internal/vec"
)

// FallbackIndex is a bounded, mutex-guarded cache of chunk records. It starts
// empty on every process start and fills lazily from writes and remote read
// results; it never resyncs from the remote store.
type FallbackIndex struct {
	mu        sync.Mutex
	capacity  int
	freshness time.Duration
	entries   map[string]*list.Element
	order     *list.List // front is most recently used
	now       func() time.Time
}

type fallbackEntry struct {
	rec      store.ChunkRecord
	storedAt time.Time
}

// NewFallbackIndex builds an empty index holding at most capacity entries.
// Entries older than freshness are skipped at search time; zero disables
// the freshness check.
func NewFallbackIndex(capacity int, freshness time.Duration) *FallbackIndex {
	if capacity <= 0 {
		capacity = 1
	}
	return &FallbackIndex{
		capacity:  capacity,
		freshness: freshness,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		now:       time.Now,
	}
}

// Put stores records, refreshing existing entries and evicting the least
// recently used when over capacity. Records without a vector are ignored.
func (f *FallbackIndex) Put(records ...store.ChunkRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		if rec.ChunkID == "" || len(rec.Vector) == 0 {
			continue
		}
		if el, ok := f.entries[rec.ChunkID]; ok {
			el.Value = fallbackEntry{rec: rec, storedAt: f.now()}
			f.order.MoveToFront(el)
			continue
		}
		f.entries[rec.ChunkID] = f.order.PushFront(fallbackEntry{rec: rec, storedAt: f.now()})
		for f.order.Len() > f.capacity {
			oldest := f.order.Back()
			f.order.Remove(oldest)
			delete(f.entries, oldest.Value.(fallbackEntry).rec.ChunkID)
		}
	}
}

// Search scans every fresh entry with a dot product against the query vector
// and returns the top-k by score. Vectors are unit length, so this ranks by
// cosine similarity exactly as the remote path does.
func (f *FallbackIndex) Search(vector []float32, topK int, filter store.SearchFilter) []store.SearchHit {
	if len(vector) == 0 || topK <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Time{}
	if f.freshness > 0 {
		cutoff = f.now().Add(-f.freshness)
	}
	var hits []store.SearchHit
	for el := f.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(fallbackEntry)
		if !cutoff.IsZero() && entry.storedAt.Before(cutoff) {
			continue
		}
		rec := entry.rec
		if !matchesFilter(rec, filter) {
			continue
		}
		hits = append(hits, store.SearchHit{
			ChunkID:    rec.ChunkID,
			DocumentID: rec.DocumentID,
			Seq:        rec.Seq,
			Text:       rec.Text,
			TokenCount: rec.TokenCount,
			PageRef:    rec.PageRef,
			Format:     rec.Format,
			Score:      vec.Dot(vector, rec.Vector),
			Vector:     rec.Vector,
			Metadata:   rec.Metadata,
			IngestedAt: rec.IngestedAt,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	// Returned hits count as uses; refresh them so eviction tracks reads as
	// well as writes. Walking backwards leaves the best hit frontmost.
	for i := len(hits) - 1; i >= 0; i-- {
		if el, ok := f.entries[hits[i].ChunkID]; ok {
			f.order.MoveToFront(el)
		}
	}
	return hits
}

// DeleteDocument drops every cached chunk owned by the document and returns
// the number removed.
func (f *FallbackIndex) DeleteDocument(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for el := f.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(fallbackEntry)
		if entry.rec.DocumentID == documentID {
			f.order.Remove(el)
			delete(f.entries, entry.rec.ChunkID)
			removed++
		}
		el = next
	}
	return removed
}

// Len reports the number of cached entries.
func (f *FallbackIndex) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}

func matchesFilter(rec store.ChunkRecord, filter store.SearchFilter) bool {
	if len(filter.DocumentIDs) > 0 {
		found := false
		for _, id := range filter.DocumentIDs {
			if id == rec.DocumentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Format != "" && filter.Format != rec.Format {
		return false
	}
	if !filter.IngestedAfter.IsZero() && rec.IngestedAt.Before(filter.IngestedAfter) {
		return false
	}
	return true
}
