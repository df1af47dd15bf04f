package sockio

import (
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// ErrReactorClosed is returned when registering a socket with a closed
// reactor.
var ErrReactorClosed = errors.New("reactor closed")

// Reactor drives a set of AsyncSockets from one poller goroutine.
//
// Each pass snapshots the registry, polls every handle with pending work
// for readiness, advances each socket by one step and then runs the
// collected callbacks with no lock held. The registry lock is never held
// across I/O.
type Reactor struct {
	opts    reactorOptions
	logger  Logger
	limiter ratelimit.Limiter

	mu      sync.Mutex
	sockets map[uint64]*AsyncSocket
	order   []uint64
	nextID  uint64
	running bool
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewReactor creates a reactor. Its poller goroutine starts with the first
// registered socket, unless ManualTickOption is given.
func NewReactor(opts ...ReactorOption) *Reactor {
	var o reactorOptions
	for _, opt := range opts {
		opt(&o)
	}
	checkReactorOptions(&o)

	return &Reactor{
		opts:    o,
		logger:  withFields(o.logger, "component", "reactor"),
		limiter: ratelimit.New(o.tickRate, ratelimit.WithoutSlack),
		sockets: make(map[uint64]*AsyncSocket),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// inherit fills socket options left unset with the reactor's.
func (r *Reactor) inherit(o *socketOptions) {
	if o.platform == nil {
		o.platform = r.opts.platform
	}
	if o.metrics == nil {
		o.metrics = r.opts.metrics
	}
}

// register assigns s its id and adds it to the registry.
func (r *Reactor) register(s *AsyncSocket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReactorClosed
	}

	r.nextID++
	id := r.nextID
	s.id = id
	s.logger = withFields(s.logger, "socket_id", id)
	r.sockets[id] = s
	r.order = append(r.order, id)
	r.opts.metrics.socketRegistered(1)

	if !r.running && !r.opts.manualTick {
		r.running = true
		r.wg.Add(1)
		go r.run()
	}
	return nil
}

func (r *Reactor) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sockets[id]; !ok {
		return
	}
	delete(r.sockets, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.opts.metrics.socketRegistered(-1)
}

func (r *Reactor) snapshot() []*AsyncSocket {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*AsyncSocket, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sockets[id])
	}
	return out
}

// Len returns the number of registered sockets.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// wakeup ends an idle wait of the poller early.
func (r *Reactor) wakeup() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Tick runs one poller pass on the calling goroutine. It is meant for
// reactors created with ManualTickOption.
func (r *Reactor) Tick() error {
	_, err := r.tick()
	return err
}

// tick runs one pass and reports whether no socket had anything to do.
func (r *Reactor) tick() (idle bool, err error) {
	r.opts.metrics.tick()

	sockets := r.snapshot()
	fds := make([]PollFD, 0, len(sockets))
	slot := make([]int, len(sockets))

	active, urgent := false, false
	for i, s := range sockets {
		slot[i] = -1
		h, events, now, ok := s.interest()
		if !ok {
			continue
		}
		if now {
			active, urgent = true, true
		}
		if events != 0 {
			active = true
			slot[i] = len(fds)
			fds = append(fds, PollFD{Handle: h, Events: events})
		}
	}
	if !active {
		return true, nil
	}

	if len(fds) > 0 {
		timeout := r.opts.pollTimeout
		if urgent {
			timeout = 0
		}
		if _, err := r.opts.platform.Poll(fds, timeout); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return false, nil
			}
			return false, err
		}
	}

	var out []completion
	for i, s := range sockets {
		var revents PollEvent
		if slot[i] >= 0 {
			revents = fds[slot[i]].Revents
		}
		out = append(out, s.step(revents)...)
	}
	runCompletions(out)
	return false, nil
}

func (r *Reactor) run() {
	defer r.wg.Done()

	r.logger.Info("reactor started", "tick_rate", r.opts.tickRate, "poll_timeout", r.opts.pollTimeout)
	defer r.logger.Info("reactor stopped")

	idleTimer := time.NewTimer(r.opts.pollTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.limiter.Take()

		idle, err := r.tick()
		if err != nil {
			r.logger.Error("reactor poll failed", "error", err)
			idle = true
		}
		if !idle {
			continue
		}

		idleTimer.Reset(r.opts.pollTimeout)
		select {
		case <-r.done:
			return
		case <-r.wake:
		case <-idleTimer.C:
		}
	}
}

// Close stops the poller and closes every registered socket, which fails
// their pending jobs with ErrCancelled. It must not be called from a socket
// callback.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	var errs []error
	for _, s := range r.snapshot() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
