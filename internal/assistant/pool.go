package assistant

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolBusy means the completion queue is full and the turn should be
// retried by the client.
var ErrPoolBusy = errors.New("completion pool busy")

const defaultQueueLen = 64

// Pool bounds how many assistant completions run at once so a slow model
// cannot pile up goroutines. Tasks queue up to the buffer size and are then
// rejected rather than blocking the request path.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

// NewPool starts workers goroutines draining the task queue.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		tasks:  make(chan func(), defaultQueueLen),
		done:   make(chan struct{}),
		logger: logger.With("component", "assistant_pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit queues a task. Non-blocking; a full queue returns ErrPoolBusy.
func (p *Pool) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-p.done:
		return ErrPoolBusy
	default:
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Stop rejects further submissions and waits for in-flight tasks.
func (p *Pool) Stop() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.tasks:
			fn()
		}
	}
}
