package notify

import (
	"context"
	"sync"
	"time"

	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
	"microtask-settlement/pkg/retry"
)

// deliveryTimeout bounds a single Send call regardless of the retry budget.
const deliveryTimeout = 10 * time.Second

// Dispatcher fans notifications out to the sink on a background goroutine.
// Publish never blocks the caller: when the buffer is full the notification
// is dropped and counted, because settlement progress matters more than a
// webhook.
type Dispatcher struct {
	sink        Sink
	queue       chan Notification
	maxAttempts int
	retryDelay  time.Duration
	log         *logging.ComponentLogger

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

func NewDispatcher(sink Sink, buffer, maxAttempts int, retryDelay time.Duration, logger *logging.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Dispatcher{
		sink:        sink,
		queue:       make(chan Notification, buffer),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		log:         logger.WithComponent("notify"),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for n := range d.queue {
			d.deliver(n)
		}
	}()
}

// Publish enqueues a notification without blocking. The read lock keeps the
// send from racing Stop's close of the queue channel.
func (d *Dispatcher) Publish(n Notification) {
	if d.sink == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsDropped.Inc()
		d.log.Warn("notification dropped, queue full",
			logging.String("type", string(n.Type)),
			logging.TaskID(n.TaskID))
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}

// deliver makes up to maxAttempts tries with a flat delay, then gives up.
// Failures are logged and swallowed.
func (d *Dispatcher) deliver(n Notification) {
	attempt := 0
	policy := retry.Policy{
		MaxRetries:        d.maxAttempts - 1,
		InitialDelay:      d.retryDelay,
		MaxDelay:          d.retryDelay,
		BackoffMultiplier: 1,
	}
	err := retry.Do(context.Background(), policy, func(ctx context.Context) error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		defer cancel()
		return d.sink.Send(sendCtx, n, attempt)
	})
	if err == nil {
		return
	}
	metrics.NotificationsDropped.Inc()
	d.log.Warn("notification delivery abandoned",
		logging.String("type", string(n.Type)),
		logging.TaskID(n.TaskID),
		logging.Int("attempts", attempt),
		logging.String("error", err.Error()))
}
