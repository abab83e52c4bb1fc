package broker

import (
	"context"
	"sync"
)

// pipe is an unbounded event stream. Producers never block; one pump
// goroutine delivers buffered events in order.
type pipe struct {
	mu       sync.Mutex
	buf      []Event
	finished bool
	err      error

	notify    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func newPipe(cancel context.CancelFunc) *pipe {
	p := &pipe{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go p.pump()
	return p
}

func (p *pipe) push(e Event) bool {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return false
	}
	p.buf = append(p.buf, e)
	p.mu.Unlock()
	p.wake()
	return true
}

// finish stops intake; buffered events are still delivered before Events
// is closed.
func (p *pipe) finish(err error) {
	p.mu.Lock()
	if !p.finished {
		p.finished = true
		p.err = err
	}
	p.mu.Unlock()
	p.wake()
}

func (p *pipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pipe) pump() {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.buf) == 0 {
			finished := p.finished
			p.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-p.notify:
				continue
			case <-p.done:
				return
			}
		}
		e := p.buf[0]
		p.buf = p.buf[1:]
		p.mu.Unlock()

		select {
		case p.out <- e:
		case <-p.done:
			return
		}
	}
}

func (p *pipe) Events() <-chan Event {
	return p.out
}

func (p *pipe) Close() {
	p.closeOnce.Do(func() {
		p.finish(ErrStreamClosed)
		if p.cancel != nil {
			p.cancel()
		}
		close(p.done)
	})
}

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
