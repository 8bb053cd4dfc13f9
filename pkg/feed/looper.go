package feed

import (
	"fmt"
	"sync"
	"waterfeed/pkg/utils/logger"
)

// Looper runs posted functions one at a time, in order, on a single
// goroutine. It is the only place feed state is touched.
type Looper struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	logger *logger.Logger
}

func NewLooper(log *logger.Logger) *Looper {
	if log == nil {
		log = logger.Nop()
	}
	l := &Looper{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: log,
	}
	go l.run()
	return l
}

// Post queues fn without blocking. It reports false once the looper is
// closed.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the looper and waits for it. It must not be called from
// the looper itself.
func (l *Looper) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Close stops accepting work, runs whatever is already queued and waits
// for the loop to exit.
func (l *Looper) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Looper) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			queue := l.queue
			l.queue = nil
			closed := l.closed
			l.mu.Unlock()

			for _, fn := range queue {
				l.safely(fn)
			}
			if len(queue) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

func (l *Looper) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(fmt.Sprintf("Recovered from panic in feed loop: %v", r))
		}
	}()
	fn()
}
