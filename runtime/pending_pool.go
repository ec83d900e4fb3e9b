package runtime

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/go-vhal/vhal"
)

// PendingKind distinguishes a get from a set in a PendingEntry.
type PendingKind int

const (
	PendingGet PendingKind = iota
	PendingSet
)

// PendingEntry is one request registered with PendingRequestPool, created on
// dispatch and destroyed on its first terminal event: reply or timeout,
// whichever comes first.
type PendingEntry struct {
	ClientID  vhal.ClientID
	RequestID vhal.RequestID
	Kind      PendingKind
	Deadline  time.Time

	consumed atomic.Bool
}

// TimeoutFunc receives every entry from one admitted batch whose deadline
// fired before a matching Resolve call claimed it.
type TimeoutFunc func(entries []PendingEntry)

// PendingRequestPool is the per-(client,request-id) registry of in-flight
// requests. It owns a single mutex that serializes the check-then-insert
// step TryAdd needs for cross-batch duplicate detection; the hashmap backing
// individual entry storage lets Resolve look up and claim a single entry
// without taking that mutex, which it then takes only to drop the id from
// the per-client index.
type PendingRequestPool struct {
	timeout time.Duration

	mu      sync.Mutex
	entries *hashmap.Map[string, *PendingEntry]
	byClient map[vhal.ClientID]map[vhal.RequestID]struct{}
}

// NewPendingRequestPool builds a pool with the given default per-batch
// deadline.
func NewPendingRequestPool(timeout time.Duration) *PendingRequestPool {
	return &PendingRequestPool{
		timeout:  timeout,
		entries:  hashmap.New[string, *PendingEntry](),
		byClient: make(map[vhal.ClientID]map[vhal.RequestID]struct{}),
	}
}

func pendingKey(clientID vhal.ClientID, reqID vhal.RequestID) string {
	return string(clientID) + "#" + strconv.FormatInt(int64(reqID), 10)
}

// TryAdd atomically inserts all of requestIDs for clientID. If any id is
// already present under that client, it inserts none and returns
// vhal.ErrDuplicateInFlight. On success it schedules a single deadline for
// the whole batch; any entry still unresolved when the deadline fires is
// delivered to onTimeout as one batched call.
func (p *PendingRequestPool) TryAdd(clientID vhal.ClientID, kind PendingKind, requestIDs []vhal.RequestID, onTimeout TimeoutFunc) error {
	if len(requestIDs) == 0 {
		return nil
	}
	p.mu.Lock()
	existing := p.byClient[clientID]
	for _, id := range requestIDs {
		if existing != nil {
			if _, dup := existing[id]; dup {
				p.mu.Unlock()
				return vhal.ErrDuplicateInFlight
			}
		}
	}
	if existing == nil {
		existing = make(map[vhal.RequestID]struct{}, len(requestIDs))
		p.byClient[clientID] = existing
	}

	deadline := time.Now().Add(p.timeout)
	batch := make([]PendingEntry, len(requestIDs))
	for i, id := range requestIDs {
		e := &PendingEntry{ClientID: clientID, RequestID: id, Kind: kind, Deadline: deadline}
		p.entries.Set(pendingKey(clientID, id), e)
		existing[id] = struct{}{}
		batch[i] = *e
	}
	p.mu.Unlock()

	time.AfterFunc(p.timeout, func() { p.fireTimeout(batch, onTimeout) })
	return nil
}

// Resolve removes and returns the entry for (clientID, requestID) if it is
// still present and hasn't already been claimed by a firing deadline.
func (p *PendingRequestPool) Resolve(clientID vhal.ClientID, requestID vhal.RequestID) (*PendingEntry, bool) {
	key := pendingKey(clientID, requestID)
	e, ok := p.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !e.consumed.CompareAndSwap(false, true) {
		return nil, false
	}
	p.removeFromIndex(clientID, requestID, key)
	return e, true
}

func (p *PendingRequestPool) fireTimeout(batch []PendingEntry, onTimeout TimeoutFunc) {
	timedOut := make([]PendingEntry, 0, len(batch))
	for i := range batch {
		entry := &batch[i]
		key := pendingKey(entry.ClientID, entry.RequestID)
		live, ok := p.entries.Get(key)
		if !ok {
			continue
		}
		if live.consumed.CompareAndSwap(false, true) {
			timedOut = append(timedOut, *live)
		}
		p.removeFromIndex(entry.ClientID, entry.RequestID, key)
	}
	if len(timedOut) > 0 && onTimeout != nil {
		onTimeout(timedOut)
	}
}

func (p *PendingRequestPool) removeFromIndex(clientID vhal.ClientID, requestID vhal.RequestID, key string) {
	p.entries.Del(key)
	p.mu.Lock()
	if ids, ok := p.byClient[clientID]; ok {
		delete(ids, requestID)
		if len(ids) == 0 {
			delete(p.byClient, clientID)
		}
	}
	p.mu.Unlock()
}

// CancelClient silently removes every pending entry for clientID. No
// timeout fires and no entry is delivered to any callback. Used on transport
// death notification.
func (p *PendingRequestPool) CancelClient(clientID vhal.ClientID) {
	p.mu.Lock()
	ids := p.byClient[clientID]
	delete(p.byClient, clientID)
	p.mu.Unlock()

	for id := range ids {
		if e, ok := p.entries.Get(pendingKey(clientID, id)); ok {
			e.consumed.Store(true)
			p.entries.Del(pendingKey(clientID, id))
		}
	}
}

// CancelIDs silently removes the given requestIDs for clientID. Used to
// roll back a batch's pending entries when the hardware driver rejects the
// submission synchronously.
func (p *PendingRequestPool) CancelIDs(clientID vhal.ClientID, requestIDs []vhal.RequestID) {
	for _, id := range requestIDs {
		key := pendingKey(clientID, id)
		if e, ok := p.entries.Get(key); ok {
			e.consumed.Store(true)
			p.removeFromIndex(clientID, id, key)
		}
	}
}

// Count reports the number of pending entries, for diagnostics and tests.
func (p *PendingRequestPool) Count() int {
	return p.entries.Len()
}
