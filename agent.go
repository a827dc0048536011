package apmz

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// TransactionHandler is called when a transaction ends.
// The transaction is immutable by then; Snapshot is safe to read.
type TransactionHandler func(tx *Transaction)

type handlerEntry struct {
	handler TransactionHandler
	id      uint64
	async   bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock sets the time source for timers and the harvest loop.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTransmitter sets where harvested metrics are sent.
func WithTransmitter(t Transmitter) Option {
	return func(a *Agent) {
		a.transmitter = t
	}
}

// Agent creates transactions and owns the harvester they report into.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Agent struct {
	handlers            []handlerEntry
	panicHook           func(handlerID uint64, r interface{})
	workers             *workerPool
	txIDPool            *IDPool
	harvester           *Harvester
	transmitter         Transmitter
	clock               clockz.Clock
	logger              *zap.Logger
	config              Config
	handlersLock        sync.RWMutex
	idPoolOnce          sync.Once
	closeOnce           sync.Once
	nextID              atomic.Uint64
	droppedTransactions atomic.Uint64
	closed              atomic.Bool
}

// New creates an agent. Without WithTransmitter, harvested metrics are
// written to the logger at debug level.
func New(cfg Config, opts ...Option) *Agent {
	a := &Agent{
		handlers: make([]handlerEntry, 0),
		clock:    clockz.RealClock,
		logger:   zap.NewNop(),
		config:   cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.transmitter == nil {
		a.transmitter = LogTransmitter{Logger: a.logger}
	}
	a.harvester = NewHarvester(a.transmitter, a.config, a.clock, a.logger)
	return a
}

// Config returns the effective configuration.
func (a *Agent) Config() Config {
	return a.config
}

// Harvester returns the agent's harvest coordinator.
func (a *Agent) Harvester() *Harvester {
	return a.harvester
}

// Start begins periodic harvesting.
func (a *Agent) Start() {
	a.harvester.Start()
}

// ensureIDPool initializes the transaction ID pool if not already created.
func (a *Agent) ensureIDPool() {
	a.idPoolOnce.Do(func() {
		a.txIDPool = NewIDPool(runtime.NumCPU()*100, uuidGenerator(a.clock))
	})
}

func (a *Agent) generateTransactionID() string {
	a.ensureIDPool()
	if a.txIDPool == nil {
		// Closed before the first transaction.
		return uuidGenerator(a.clock)()
	}
	return a.txIDPool.Get()
}

// OnTransactionEnd registers a synchronous handler called when transactions end.
func (a *Agent) OnTransactionEnd(handler TransactionHandler) uint64 {
	return a.registerHandler(handler, false)
}

// OnTransactionEndAsync registers an asynchronous handler called when transactions end.
func (a *Agent) OnTransactionEndAsync(handler TransactionHandler) uint64 {
	return a.registerHandler(handler, true)
}

func (a *Agent) registerHandler(handler TransactionHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := a.nextID.Add(1)

	a.handlersLock.Lock()
	defer a.handlersLock.Unlock()

	a.handlers = append(a.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (a *Agent) RemoveHandler(id uint64) {
	a.handlersLock.Lock()
	defer a.handlersLock.Unlock()

	// Preserve order
	for i, h := range a.handlers {
		if h.id == id {
			copy(a.handlers[i:], a.handlers[i+1:])
			a.handlers = a.handlers[:len(a.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
// Without a hook, panics are logged.
func (a *Agent) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	a.panicHook = hook
}

// executeHandlers calls all registered handlers with the ended transaction.
func (a *Agent) executeHandlers(tx *Transaction) {
	a.handlersLock.RLock()
	if len(a.handlers) == 0 {
		a.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(a.handlers))
	copy(handlers, a.handlers)
	workers := a.workers
	a.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			entry := h
			if workers != nil {
				workers.submit(func() {
					a.safeCall(entry, tx)
				})
			} else {
				go a.safeCall(entry, tx)
			}
		} else {
			a.safeCall(h, tx)
		}
	}
}

func (a *Agent) safeCall(entry handlerEntry, tx *Transaction) {
	defer func() {
		if r := recover(); r != nil {
			if a.panicHook != nil {
				a.panicHook(entry.id, r)
				return
			}
			a.logger.Error("transaction handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.Any("panic", r),
			)
		}
	}()
	entry.handler(tx)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (a *Agent) EnableWorkerPool(workers, queueSize int) error {
	a.handlersLock.Lock()
	defer a.handlersLock.Unlock()

	if a.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	a.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &a.droppedTransactions,
	}

	a.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.workers.run()
	}

	return nil
}

// IsClosed reports whether Close has been called.
func (a *Agent) IsClosed() bool {
	return a.closed.Load()
}

// DroppedTransactions returns the number of handler calls dropped due to a
// full worker queue.
func (a *Agent) DroppedTransactions() uint64 {
	return a.droppedTransactions.Load()
}

// Close stops harvesting after a final harvest, waits for in-flight async
// handlers and releases background goroutines. Safe to call more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		// Blocks on a concurrent first initialization and prevents a later one.
		a.idPoolOnce.Do(func() {})

		ctx, cancel := context.WithTimeout(context.Background(), a.config.TransmitTimeout)
		defer cancel()
		err = a.harvester.Stop(ctx)

		// Stop new handler executions
		a.handlersLock.Lock()
		a.handlers = nil
		workers := a.workers
		a.workers = nil
		a.handlersLock.Unlock()

		// Wait for in-flight async tasks
		if workers != nil {
			workers.shutdown()
		}

		if a.txIDPool != nil {
			a.txIDPool.Close()
		}
	})
	return err
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain queued tasks before exiting.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
