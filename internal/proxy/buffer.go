package proxy

import (
	"net/http/httputil"
	"sync"
)

type bufferPool struct {
	pool sync.Pool
}

// NewBufferPool provides fixed-size transfer buffers for the forward path's
// ReverseProxy, keeping per-request copies bounded.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// The &b forces a 32-byte heap allocation; unavoidable when converting
	// a non-pointer to an interface.
	p.pool.Put(&b)
}
