package lattice

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that Get is safe to iterate
// outside the lock
type CallbackList[T any] struct {
	stateLock sync.Mutex
	entries   []*callbackListEntry[T]
}

type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := &callbackListEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, entry)
	self.entries = nextEntries
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

// eventQueue runs posted events one at a time in post order on its own
// task. Used to dispatch listener callbacks without reentering scheduler
// state from user code.
type eventQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	events    []func()
	update    chan struct{}
}

func newEventQueue(ctx context.Context) *eventQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	queue := &eventQueue{
		ctx:    cancelCtx,
		cancel: cancel,
		events: []func(){},
		update: make(chan struct{}, 1),
	}
	go queue.run()
	return queue
}

func (self *eventQueue) Post(event func()) {
	self.stateLock.Lock()
	self.events = append(self.events, event)
	self.stateLock.Unlock()

	select {
	case self.update <- struct{}{}:
	default:
	}
}

func (self *eventQueue) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.update:
		}

		for {
			self.stateLock.Lock()
			if len(self.events) == 0 {
				self.stateLock.Unlock()
				break
			}
			event := self.events[0]
			self.events = self.events[1:]
			self.stateLock.Unlock()

			select {
			case <-self.ctx.Done():
				return
			default:
			}
			event()
		}
	}
}

func (self *eventQueue) Close() {
	self.cancel()
}
