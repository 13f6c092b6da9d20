package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/acd/internal/acd"
)

// Pool is a fixed set of endpoints handed out one at a time.
type Pool struct {
	free         chan acd.Endpoint
	acquireDelay time.Duration

	mu    sync.Mutex
	inUse map[acd.Endpoint]bool
}

// NewPool creates size endpoints. acquireDelay simulates the setup cost of
// seizing a channel.
func NewPool(size int, acquireDelay time.Duration) *Pool {
	p := &Pool{
		free:         make(chan acd.Endpoint, size),
		acquireDelay: acquireDelay,
		inUse:        make(map[acd.Endpoint]bool, size),
	}
	for i := 1; i <= size; i++ {
		p.free <- acd.Endpoint(fmt.Sprintf("ep-%d", i))
	}
	return p
}

// Acquire waits for a free endpoint until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (acd.Endpoint, error) {
	if p.acquireDelay > 0 {
		t := time.NewTimer(p.acquireDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	select {
	case ep := <-p.free:
		p.mu.Lock()
		p.inUse[ep] = true
		p.mu.Unlock()
		return ep, nil
	case <-ctx.Done():
		return "", fmt.Errorf("acquire endpoint: %w", ctx.Err())
	}
}

// Release returns ep to the pool. Unknown or already free endpoints are
// ignored.
func (p *Pool) Release(ep acd.Endpoint) {
	p.mu.Lock()
	if !p.inUse[ep] {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, ep)
	p.mu.Unlock()
	p.free <- ep
}

// InUse returns how many endpoints are checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return cap(p.free) }

var _ acd.EndpointPool = (*Pool)(nil)
