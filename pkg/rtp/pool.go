package rtp

import (
	"sync"

	"github.com/sip4k/sipbot/pkg/siperr"
)

const (
	DefaultPortMin = 40000
	DefaultPortMax = 65000
)

// PortPool hands out even UDP ports from [low, high]. Free ports live in a
// buffered channel, leased ones in a sync.Map, so lease and release never
// take a pool-wide lock.
type PortPool struct {
	low, high int
	free      chan int
	leased    sync.Map // port -> struct{}
	size      int
}

// NewPortPool fills the pool with every even port of the range. An odd low
// bound is rounded up.
func NewPortPool(low, high int) *PortPool {
	if low%2 != 0 {
		low++
	}
	size := 0
	if high >= low {
		size = (high-low)/2 + 1
	}
	p := &PortPool{
		low:  low,
		high: high,
		free: make(chan int, size),
		size: size,
	}
	for port := low; port <= high; port += 2 {
		p.free <- port
	}
	return p
}

// Lease takes a free port or fails with NoFreePortError.
func (p *PortPool) Lease() (int, error) {
	select {
	case port := <-p.free:
		p.leased.Store(port, struct{}{})
		return port, nil
	default:
		return 0, &siperr.NoFreePortError{Low: p.low, High: p.high}
	}
}

// Release returns a leased port. Releasing a port that is not leased does
// nothing and reports false.
func (p *PortPool) Release(port int) bool {
	if _, ok := p.leased.LoadAndDelete(port); !ok {
		return false
	}
	p.free <- port
	return true
}

func (p *PortPool) Leased(port int) bool {
	_, ok := p.leased.Load(port)
	return ok
}

// Available is the number of free ports.
func (p *PortPool) Available() int {
	return len(p.free)
}

// Size is the number of ports the pool was built with.
func (p *PortPool) Size() int {
	return p.size
}

func (p *PortPool) Range() (int, int) {
	return p.low, p.high
}
