package api

import (
	"sync"

	"pms-board/storage"
)

// Broker fans settled board updates out to the SSE streams watching a
// project. A slow stream drops updates instead of blocking the sender.
type Broker struct {
	mu   sync.Mutex
	subs map[int64]map[chan storage.BoardUpdate]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]map[chan storage.BoardUpdate]struct{})}
}

func (b *Broker) subscribe(projectID int64) chan storage.BoardUpdate {
	ch := make(chan storage.BoardUpdate, 8)
	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[chan storage.BoardUpdate]struct{})
		b.subs[projectID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(projectID int64, ch chan storage.BoardUpdate) {
	b.mu.Lock()
	if set, ok := b.subs[projectID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, projectID)
		}
	}
	b.mu.Unlock()
}

// Notify delivers u to every stream of its project.
func (b *Broker) Notify(u storage.BoardUpdate) {
	b.mu.Lock()
	for ch := range b.subs[u.ProjectID] {
		select {
		case ch <- u:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broker) subscribers(projectID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
