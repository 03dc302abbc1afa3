package crop

import "sync"

// bufferPool hands out byte slices keyed by their exact length. Buffers are
// allocated on first use and kept for the life of the pool.
type bufferPool struct {
	mu   sync.Mutex
	free map[int][][]byte
}

func newBufferPool() *bufferPool {
	return &bufferPool{free: make(map[int][][]byte)}
}

func (p *bufferPool) Get(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.free[size]
	if n := len(list); n > 0 {
		buf := list[n-1]
		p.free[size] = list[:n-1]
		return buf
	}
	return make([]byte, size)
}

func (p *bufferPool) Put(buf []byte) {
	p.mu.Lock()
	p.free[len(buf)] = append(p.free[len(buf)], buf)
	p.mu.Unlock()
}
