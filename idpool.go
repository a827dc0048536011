package apmz

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// IDPool hands out transaction IDs generated ahead of demand by a
// background goroutine. When the buffer runs dry, Get generates inline and
// counts a miss.
type IDPool struct {
	generate func() string
	ready    chan string
	stop     chan struct{}
	stopOnce sync.Once
	misses   atomic.Uint64
}

// NewIDPool creates a pool buffering up to size IDs from generate.
func NewIDPool(size int, generate func() string) *IDPool {
	if size <= 0 {
		size = 1
	}
	p := &IDPool{
		generate: generate,
		ready:    make(chan string, size),
		stop:     make(chan struct{}),
	}
	go p.fill()
	return p
}

// Get returns the next ID.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ready:
		return id
	default:
		p.misses.Add(1)
		return p.generate()
	}
}

// Misses returns how many Get calls found the buffer empty.
func (p *IDPool) Misses() uint64 {
	return p.misses.Load()
}

func (p *IDPool) fill() {
	for {
		id := p.generate()
		select {
		case p.ready <- id:
		case <-p.stop:
			return
		}
	}
}

// Close stops background generation. Get keeps working afterwards.
func (p *IDPool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// uuidGenerator returns random UUIDs, falling back to the clock's
// nanosecond timestamp when the random source fails.
func uuidGenerator(clock clockz.Clock) func() string {
	return func() string {
		id, err := uuid.NewRandom()
		if err != nil {
			return strconv.FormatInt(clock.Now().UnixNano(), 16)
		}
		return id.String()
	}
}
