package udp

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/mqtt"
)

// PendingSet holds the delivery ids that were published but not yet
// acknowledged.
//
// An id is present from the moment its publish returns until its
// acknowledgement is processed. Inserts made through Track happen under
// the same lock as the publish, so an acknowledgement that races the
// insert waits for it instead of being lost.
//
// Thread Safety: All methods are safe for concurrent use.
type PendingSet struct {
	mu  sync.Mutex
	ids map[mqtt.DeliveryID]time.Time

	// abandoned holds ids given up on that have not completed yet.
	abandoned map[mqtt.DeliveryID]struct{}

	// empty is closed whenever ids is empty and replaced by a fresh
	// channel on the next insert.
	empty chan struct{}
}

// NewPendingSet returns an empty set.
func NewPendingSet() *PendingSet {
	empty := make(chan struct{})
	close(empty)
	return &PendingSet{
		ids:       make(map[mqtt.DeliveryID]time.Time),
		abandoned: make(map[mqtt.DeliveryID]struct{}),
		empty:     empty,
	}
}

// Track calls publish with the set locked and records the id it returns.
// Nothing is recorded when publish fails.
func (p *PendingSet) Track(publish func() (mqtt.DeliveryID, error)) (mqtt.DeliveryID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := publish()
	if err != nil {
		return 0, err
	}
	p.insertLocked(id)
	return id, nil
}

// Add records id. It reports false if id was already pending.
func (p *PendingSet) Add(id mqtt.DeliveryID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ids[id]; ok {
		return false
	}
	p.insertLocked(id)
	return true
}

func (p *PendingSet) insertLocked(id mqtt.DeliveryID) {
	if len(p.ids) == 0 {
		p.empty = make(chan struct{})
	}
	p.ids[id] = time.Now()
}

// Remove deletes id and returns how long it was pending.
// Removing an id that is not present returns ErrUnknownDelivery and
// leaves the set unchanged. The first removal of an abandoned id returns
// ErrAbandonedDelivery instead.
func (p *PendingSet) Remove(id mqtt.DeliveryID) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	added, ok := p.ids[id]
	if !ok {
		if _, gone := p.abandoned[id]; gone {
			delete(p.abandoned, id)
			return 0, fmt.Errorf("%w: id %d", ErrAbandonedDelivery, id)
		}
		return 0, fmt.Errorf("%w: id %d", ErrUnknownDelivery, id)
	}
	p.removeLocked(id)
	return time.Since(added), nil
}

// Abandon removes ids from the set without acknowledging them. Ids that
// are not pending are ignored.
func (p *PendingSet) Abandon(ids []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, raw := range ids {
		id := mqtt.DeliveryID(raw)
		if _, ok := p.ids[id]; !ok {
			continue
		}
		p.removeLocked(id)
		p.abandoned[id] = struct{}{}
	}
}

func (p *PendingSet) removeLocked(id mqtt.DeliveryID) {
	delete(p.ids, id)
	if len(p.ids) == 0 {
		close(p.empty)
	}
}

// Contains reports whether id is pending.
func (p *PendingSet) Contains(id mqtt.DeliveryID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// Len returns the number of pending ids.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// IDs returns the pending ids in ascending order.
func (p *PendingSet) IDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]uint64, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, uint64(id))
	}
	slices.Sort(out)
	return out
}

// Empty returns a channel that is closed while the set is empty.
// Callers must fetch it again after it fires if the set can grow.
func (p *PendingSet) Empty() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.empty
}
