// Package circuit provides a small circuit breaker for external call sites.
// Closed: normal operation; Open: fail fast; HalfOpen: single probe allowed.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"microtask-settlement/pkg/logging"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// ErrOpen indicates the breaker is open and calls are short-circuited.
// The message is phrased so retry classification treats it as transient.
var ErrOpen = errors.New("circuit open: service unavailable")

// Config tunes a breaker instance.
type Config struct {
	Name              string
	MaxConsecFailures int           // consecutive failures to open
	OpenFor           time.Duration // how long to stay open before probing
	OperationTimeout  time.Duration // per-call timeout, 0 = none
}

type Breaker struct {
	cfg        Config
	mu         sync.Mutex
	st         State
	consecFail int
	nextProbe  time.Time
	probing    bool

	log *logging.ComponentLogger
}

func New(cfg Config, log *logging.Logger) *Breaker {
	if cfg.MaxConsecFailures <= 0 {
		cfg.MaxConsecFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, st: Closed}
	if log != nil {
		b.log = log.WithComponent("circuit")
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Do runs fn through the breaker. When the breaker is open and the probe
// window has not arrived, ErrOpen is returned without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if b.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.OperationTimeout)
		defer cancel()
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case Closed:
		return nil
	case Open:
		if time.Now().Before(b.nextProbe) {
			return ErrOpen
		}
		b.setState(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if success {
		b.consecFail = 0
		if b.st != Closed {
			b.setState(Closed)
		}
		return
	}

	b.consecFail++
	if b.st == HalfOpen || b.consecFail >= b.cfg.MaxConsecFailures {
		b.setState(Open)
		b.nextProbe = time.Now().Add(b.cfg.OpenFor)
	}
}

func (b *Breaker) setState(st State) {
	if b.st == st {
		return
	}
	b.st = st
	if b.log != nil {
		b.log.Info("breaker state change",
			logging.String("name", b.cfg.Name), logging.Int("state", int(st)))
	}
}
