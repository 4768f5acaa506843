// Package changefeed fans store change notifications out to subscribers.
// Delivery is asynchronous: every subscriber owns a goroutine and an
// unbounded queue, so a slow subscriber never blocks writers or its peers,
// and each subscriber sees changes in publish order.
package changefeed

import (
	"sync"

	"exploratory-testing-support/internal/usecase"
)

type Feed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

type subscriber struct {
	fn    usecase.ChangeFunc
	mu    sync.Mutex
	queue []usecase.Change
	wake  chan struct{}
	done  chan struct{}
	stop  sync.Once
}

func (s *subscriber) close() { s.stop.Do(func() { close(s.done) }) }

func New() *Feed {
	return &Feed{subs: make(map[int]*subscriber)}
}

// Subscribe registers fn. The returned func unsubscribes; changes still
// queued for fn at that point are discarded.
func (f *Feed) Subscribe(fn usecase.ChangeFunc) func() {
	s := &subscriber{fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = s
	f.mu.Unlock()
	go s.run()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		s.close()
	}
}

// Publish queues changes for every current subscriber and returns at once.
func (f *Feed) Publish(changes ...usecase.Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.mu.Lock()
		s.queue = append(s.queue, changes...)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops every subscriber goroutine.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[int]*subscriber)
	f.closed = true
	f.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, c := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(c)
			}
		}
	}
}
