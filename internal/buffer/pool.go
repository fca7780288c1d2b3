// Package buffer provides the shared read-buffer pool used by the reactor
package buffer

import (
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

var leasedBuffers = metrics.NewCounter("broker_buffer_leases_active")

// Pool hands out fixed-capacity byte buffers for socket reads. Ownership of a
// buffer transfers to the caller on Lease and returns on Release; a buffer is
// never handed to two readers at once.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool of buffers with the given capacity.
func NewPool(size int) *Pool {
	return &Pool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, size)
			},
		},
	}
}

// Lease returns a buffer of the pool's full capacity.
func (p *Pool) Lease() []byte {
	leasedBuffers.Inc()
	return p.pool.Get().([]byte)[:p.size]
}

// Release returns a buffer to the pool. Buffers of the wrong capacity are
// discarded so a resliced or foreign buffer cannot poison the free list.
func (p *Pool) Release(buf []byte) {
	leasedBuffers.Dec()
	if cap(buf) != p.size {
		return
	}
	p.pool.Put(buf[:p.size]) //nolint:staticcheck
}

// Size reports the capacity of the buffers handed out by this pool.
func (p *Pool) Size() int {
	return p.size
}
