package reactor

import (
	"fmt"
	"sync/atomic"
)

// Pool is a fixed set of reactors with a round-robin selector.
type Pool struct {
	reactors []*Reactor
	next     atomic.Uint64
}

// NewPool creates n reactors named "reactor-<i>". n below one is treated as one.
func NewPool(n int, opts Options) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{reactors: make([]*Reactor, n)}
	for i := range p.reactors {
		p.reactors[i] = New(i, fmt.Sprintf("reactor-%d", i), opts)
	}
	return p
}

// Start launches every reactor.
func (p *Pool) Start() {
	for _, r := range p.reactors {
		r.Start()
	}
}

// Stop stops every reactor and waits for their loops to exit.
func (p *Pool) Stop() {
	for _, r := range p.reactors {
		r.Stop()
	}
}

// Next returns reactors in round-robin order.
func (p *Pool) Next() *Reactor {
	i := p.next.Add(1) - 1
	return p.reactors[i%uint64(len(p.reactors))]
}

// Len returns the number of reactors.
func (p *Pool) Len() int { return len(p.reactors) }

// All returns the reactors in index order.
func (p *Pool) All() []*Reactor {
	out := make([]*Reactor, len(p.reactors))
	copy(out, p.reactors)
	return out
}
