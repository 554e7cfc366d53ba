package bridge

import (
	"context"
	"sync"
)

const pipeBuffer = 256

// Pipe connects two endpoints in memory. Each direction is delivered in order
// by its own goroutine, so Post never runs the peer's Receive inline.
type Pipe struct {
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	aToB, bToA *pipeTransport
	a, b       *Endpoint
}

type pipeTransport struct {
	ch   chan string
	done <-chan struct{}
}

func (t *pipeTransport) Post(ctx context.Context, raw string) error {
	select {
	case <-t.done:
		return ErrTransportUnavailable
	default:
	}
	select {
	case t.ch <- raw:
		return nil
	case <-t.done:
		return ErrTransportUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewPipe attaches a and b to each other
func NewPipe(a, b *Endpoint) *Pipe {
	done := make(chan struct{})
	p := &Pipe{
		done: done,
		aToB: &pipeTransport{ch: make(chan string, pipeBuffer), done: done},
		bToA: &pipeTransport{ch: make(chan string, pipeBuffer), done: done},
		a:    a,
		b:    b,
	}
	a.Attach(p.aToB)
	b.Attach(p.bToA)

	p.wg.Add(2)
	go p.pump(p.aToB.ch, b)
	go p.pump(p.bToA.ch, a)
	return p
}

func (p *Pipe) pump(ch <-chan string, to *Endpoint) {
	defer p.wg.Done()
	for {
		select {
		case raw := <-ch:
			to.Receive(raw)
		case <-p.done:
			return
		}
	}
}

// Close detaches both ends and stops delivery
func (p *Pipe) Close() {
	p.once.Do(func() {
		close(p.done)
		p.a.Detach(p.aToB)
		p.b.Detach(p.bToA)
		p.wg.Wait()
	})
}
