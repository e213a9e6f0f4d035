package asr

import (
	"errors"
	"net/http"
	"time"

	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/transport"
	"github.com/liuscraft/orion-gateway/internal/upstream"
)

const DefaultPingInterval = 30 * time.Second

var ErrNoWorker = errors.New("asr: no worker connected")

// Registry tracks connected workers. It serves the worker-facing endpoint
// and hands a random worker to each new device session.
type Registry struct {
	pool *upstream.Pool[*Worker]
	log  *logging.Logger
}

type RegistryOptions struct {
	PingInterval time.Duration
	// Intn overrides worker selection in tests.
	Intn func(n int) int
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Registry{
		pool: upstream.New[*Worker](upstream.Options{
			Name:              "asr_workers",
			KeepaliveInterval: opts.PingInterval,
			Intn:              opts.Intn,
		}, nil),
		log: logging.With("component", "asr_registry"),
	}
}

// ServeHTTP accepts a worker connection.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	tc, err := transport.Accept(w, req)
	if err != nil {
		r.log.Warnf("upgrade worker connection from %s: %v", req.RemoteAddr, err)
		return
	}
	worker := NewWorker(req.RemoteAddr, tc)
	if err := r.Add(worker); err != nil {
		r.log.Errorf("register worker %s: %v", worker.ID(), err)
		_ = worker.Close()
		return
	}
	r.log.Infof("worker %s connected", worker.ID())
}

// Add registers a connected worker; it is evicted once its connection ends.
func (r *Registry) Add(w *Worker) error {
	return r.pool.Add(w)
}

// Pick returns a uniformly random connected worker.
func (r *Registry) Pick() (*Worker, error) {
	w, ok := r.pool.Pick()
	if !ok {
		return nil, ErrNoWorker
	}
	return w, nil
}

func (r *Registry) Len() int {
	return r.pool.Len()
}

// Close disconnects every worker.
func (r *Registry) Close() {
	r.pool.Close()
}
