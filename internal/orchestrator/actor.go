package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// convManager provides per-conversation serialization without blocking
// unrelated conversations.
//
// The store's load-modify-save cycle is not transactional across stages, so
// at most one stage may advance a given conversation at a time. Actors are
// created on demand and garbage-collected after an idle timeout; a paused
// conversation therefore consumes no goroutine while it waits at the
// confirmation gate.
type convManager struct {
	mu     sync.Mutex
	actors map[string]*convActor // conversation_id -> actor
	closed bool
}

func newConvManager() *convManager {
	return &convManager{actors: make(map[string]*convActor)}
}

func (m *convManager) Get(conversationID string) *convActor {
	if m == nil {
		return nil
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	if a := m.actors[conversationID]; a != nil && a.alive() {
		return a
	}

	a := newConvActor(m, conversationID)
	m.actors[conversationID] = a
	a.start()
	return a
}

func (m *convManager) remove(key string, actor *convActor) {
	if m == nil || strings.TrimSpace(key) == "" || actor == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.actors[key]; existing == actor {
		delete(m.actors, key)
	}
}

func (m *convManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	actors := make([]*convActor, 0, len(m.actors))
	for _, a := range m.actors {
		if a != nil {
			actors = append(actors, a)
		}
	}
	m.actors = make(map[string]*convActor)
	m.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

// actorIdleTimeout is how long an actor with an empty inbox keeps its
// goroutine before exiting. A variable so tests can shrink it.
var actorIdleTimeout = 10 * time.Minute

type cmdAdvance struct {
	ctx  context.Context
	fn   func(ctx context.Context) (any, error)
	resp chan advanceResult
}

type advanceResult struct {
	out any
	err error
}

type convActor struct {
	mgr *convManager
	key string

	inbox  chan cmdAdvance
	stopCh chan struct{}
	doneCh chan struct{}

	once sync.Once
}

func newConvActor(mgr *convManager, key string) *convActor {
	return &convActor{
		mgr:    mgr,
		key:    strings.TrimSpace(key),
		inbox:  make(chan cmdAdvance, 16),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (a *convActor) alive() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *convActor) start() {
	if a == nil {
		return
	}
	go a.loop()
}

func (a *convActor) stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

// Do runs fn on the actor goroutine, serialized with every other advance for
// the same conversation. It blocks until fn returns, the actor closes, or ctx
// is done.
func (a *convActor) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if a == nil {
		return nil, errors.New("conversation actor not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan advanceResult, 1)
	cmd := cmdAdvance{ctx: ctx, fn: fn, resp: ch}

	// Wait on doneCh, not stopCh: the loop also exits on idle timeout, and a
	// command buffered after that exit would otherwise never get a reply.
	select {
	case <-a.doneCh:
		return nil, errors.New("conversation actor closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case res := <-ch:
		return res.out, res.err
	case <-a.doneCh:
		// The reply may have raced with the loop exiting.
		select {
		case res := <-ch:
			return res.out, res.err
		default:
		}
		return nil, errors.New("conversation actor closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *convActor) loop() {
	defer close(a.doneCh)
	defer func() {
		if a.mgr != nil && strings.TrimSpace(a.key) != "" {
			a.mgr.remove(a.key, a)
		}
	}()

	idleTO := actorIdleTimeout
	idleTimer := time.NewTimer(idleTO)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idleTO)
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-idleTimer.C:
			// Stop idle actors so paused conversations do not leak goroutines.
			return
		case cmd := <-a.inbox:
			resetIdle()
			out, err := cmd.fn(cmd.ctx)
			cmd.resp <- advanceResult{out: out, err: err}
		}
	}
}
