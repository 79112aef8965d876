// Package health aggregates liveness checks for the pipeline's external
// dependencies: the ledger database, the Redis queue backend and the
// escrow RPC node.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"microtask-settlement/internal/escrow"
	"microtask-settlement/pkg/logging"
)

// Status is the health of a component or of the system as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ComponentHealth reports one dependency check.
type ComponentHealth struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// SystemHealth is the aggregate served at the health endpoint.
type SystemHealth struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ComponentName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Pinger matches the database wrapper's ping surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBChecker probes the ledger database.
func DBChecker(db Pinger) Checker {
	return CheckerFunc{ComponentName: "database", Fn: db.Ping}
}

// RedisChecker probes the queue backend.
func RedisChecker(client *redis.Client) Checker {
	return CheckerFunc{ComponentName: "redis", Fn: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// EscrowChecker probes the escrow RPC node by reading a known task.
// ErrTaskNotFound still proves the node answers, so it counts as healthy.
func EscrowChecker(client escrow.Client, probeTaskID int64) Checker {
	return CheckerFunc{ComponentName: "escrow_rpc", Fn: func(ctx context.Context) error {
		_, err := client.GetTask(ctx, probeTaskID)
		if errors.Is(err, escrow.ErrTaskNotFound) {
			return nil
		}
		return err
	}}
}

// Manager runs the registered checks concurrently and caches results.
type Manager struct {
	checkers  []Checker
	results   map[string]ComponentHealth
	startTime time.Time
	timeout   time.Duration
	log       *logging.ComponentLogger
	mu        sync.RWMutex
}

func NewManager(logger *logging.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		timeout:   timeout,
		log:       logger.WithComponent("health"),
	}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.results[c.Name()] = ComponentHealth{Name: c.Name(), Status: StatusUnknown}
}

// CheckAll runs every registered check and returns the aggregate. The system
// is unhealthy if any component is.
func (m *Manager) CheckAll(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make(chan ComponentHealth, len(checkers))
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			ch := ComponentHealth{
				Name:        c.Name(),
				Status:      StatusHealthy,
				LastChecked: time.Now(),
				Duration:    time.Since(start),
			}
			if err != nil {
				ch.Status = StatusUnhealthy
				ch.Error = err.Error()
			}
			results <- ch
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make(map[string]ComponentHealth, len(checkers))
	overall := StatusHealthy
	for r := range results {
		components[r.Name] = r
		if r.Status != StatusHealthy {
			overall = StatusUnhealthy
			m.log.Warn("dependency check failed",
				logging.String("component", r.Name),
				logging.String("error", r.Error))
		}
	}

	m.mu.Lock()
	for name, r := range components {
		m.results[name] = r
	}
	m.mu.Unlock()

	return SystemHealth{
		Status:     overall,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
		Components: components,
	}
}

// Handler serves the aggregate as JSON, 503 when unhealthy.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sys := m.CheckAll(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if sys.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(sys); err != nil {
			fmt.Fprintf(w, `{"status":%q}`, sys.Status)
		}
	}
}
