package transport

import (
	"sync"
)

// Pool is a FIFO of addresses waiting to be dialed. An address is queued at
// most once; it may be pushed again after it was popped.
type Pool struct {
	mu     sync.Mutex
	q      []string
	queued map[string]struct{}
}

func NewPool(cap int) *Pool {
	return &Pool{q: make([]string, 0, cap), queued: make(map[string]struct{})}
}

func (p *Pool) PushMany(list []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range list {
		p.push(addr)
	}
}

func (p *Pool) Push(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.push(addr)
}

func (p *Pool) push(addr string) {
	if addr == "" {
		return
	}
	if _, ok := p.queued[addr]; ok {
		return
	}
	p.queued[addr] = struct{}{}
	p.q = append(p.q, addr)
}

func (p *Pool) Pop() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.q) == 0 {
		return "", false
	}
	addr := p.q[0]
	p.q = p.q[1:]
	delete(p.queued, addr)
	return addr, true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}
