// Package supervisor runs named goroutines tied to one context, recovering
// panics and optionally restarting long-running loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "drawbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*Stats
}

// Stats is a best-effort per-name view of supervised goroutines.
type Stats struct {
	Name     string
	Active   int
	Started  uint64
	Restarts uint64
	Panics   uint64
	LastErr  string
	LastStop time.Time
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error observed.
func (s *Supervisor) Err() error {
	err, _ := s.firstErr.Load().(error)
	return err
}

// Snapshot returns stats sorted by name.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) note(name string, fn func(st *Stats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// Go runs fn in a goroutine. A returned error (other than context.Canceled)
// or a panic is recorded and, with WithCancelOnError, cancels the context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.note(name, func(st *Stats) { st.Active++; st.Started++ })
	go func() {
		defer s.wg.Done()
		err := s.run(name, fn)
		s.note(name, func(st *Stats) {
			st.Active--
			st.LastStop = time.Now()
			if err != nil {
				st.LastErr = err.Error()
			}
		})
		if err != nil {
			s.fail(err)
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart runs fn until the context ends, restarting it after errors,
// panics or (unless stopOnCleanExit) clean returns. Waits grow from min to
// max with jitter.
func (s *Supervisor) GoRestart(name string, min, max time.Duration, stopOnCleanExit bool, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	if max < min {
		max = min
	}
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := min
		for restarts := 0; ; restarts++ {
			if restarts > 0 {
				s.note(name, func(st *Stats) { st.Restarts++ })
			}
			startedAt := time.Now()
			err := s.run(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			s.note(name, func(st *Stats) { st.LastErr = err.Error(); st.LastStop = time.Now() })

			if time.Since(startedAt) >= 30*time.Second {
				backoff = min
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		}
	})
}

// run calls fn, turning a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.note(name, func(st *Stats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
