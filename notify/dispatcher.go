// Package notify delivers mirror status changes to interested consumers.
package notify

import (
	"log/slog"

	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// Dispatcher fans status changes out to subscribers. Publish never blocks,
// a change is dropped for subscribers whose buffer is full.
type Dispatcher struct {
	lock   lock.RWMutex
	subs   []chan mirror.StatusChange
	closed bool
	log    *slog.Logger
}

// NewDispatcher returns an empty Dispatcher
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log}
}

// Subscribe returns a channel receiving every published change. The channel
// is closed by Close.
func (d *Dispatcher) Subscribe(buffer int) <-chan mirror.StatusChange {
	d.lock.Lock()
	defer d.lock.Unlock()

	ch := make(chan mirror.StatusChange, buffer)
	if d.closed {
		close(ch)
		return ch
	}
	d.subs = append(d.subs, ch)
	return ch
}

// Publish sends the change to all subscribers
func (d *Dispatcher) Publish(c mirror.StatusChange) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return
	}

	d.log.Info("mirror status changed", "repo", c.RepositoryID, "previous", c.Previous, "new", c.New)

	for i, ch := range d.subs {
		select {
		case ch <- c:
		default:
			d.log.Warn("subscriber is not keeping up, dropping status change", "repo", c.RepositoryID, "subscriber", i)
		}
	}
}

// Close closes all subscriber channels
func (d *Dispatcher) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, ch := range d.subs {
		close(ch)
	}
	d.subs = nil
}
