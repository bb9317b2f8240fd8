package routing

import (
	"sync"
	"time"
)

// defaultSessionIdleTimeout retires an idle session actor, freeing its
// goroutine and channel. A session that goes quiet this long simply gets
// a fresh actor on its next message — no state is lost, since all durable
// state lives in the Store Gateway / Assignment Cache, not in the actor
// itself. Overridden by gateway.session_idle_minutes.
const defaultSessionIdleTimeout = 30 * time.Minute

// sessionActor serializes all work for one sessionId onto a single
// goroutine draining a buffered job channel: persist-user, decide,
// persist-bot, emit must not interleave across two user_message events
// on the same session.
type sessionActor struct {
	jobs chan func()
	stop chan struct{}
}

func newSessionActor() *sessionActor {
	a := &sessionActor{
		jobs: make(chan func(), 32),
		stop: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *sessionActor) run() {
	for {
		select {
		case job := <-a.jobs:
			job()
		case <-a.stop:
			return
		}
	}
}

func (a *sessionActor) enqueue(job func()) {
	a.jobs <- job
}

func (a *sessionActor) retire() {
	close(a.stop)
}

// actorPool owns the sessionId -> sessionActor map and the idle-retirement
// reaper.
type actorPool struct {
	idle   time.Duration
	mu     sync.Mutex
	actors map[string]*sessionActor
	seen   map[string]time.Time
}

func newActorPool(idle time.Duration) *actorPool {
	if idle <= 0 {
		idle = defaultSessionIdleTimeout
	}
	p := &actorPool{
		idle:   idle,
		actors: make(map[string]*sessionActor),
		seen:   make(map[string]time.Time),
	}
	go p.reap()
	return p
}

// Enqueue runs job on sessionID's actor, creating one if needed.
func (p *actorPool) Enqueue(sessionID string, job func()) {
	p.mu.Lock()
	a, ok := p.actors[sessionID]
	if !ok {
		a = newSessionActor()
		p.actors[sessionID] = a
	}
	p.seen[sessionID] = time.Now()
	p.mu.Unlock()

	a.enqueue(job)
}

func (p *actorPool) reap() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-p.idle)
		p.mu.Lock()
		for sessionID, last := range p.seen {
			if last.Before(cutoff) {
				if a, ok := p.actors[sessionID]; ok {
					a.retire()
					delete(p.actors, sessionID)
				}
				delete(p.seen, sessionID)
			}
		}
		p.mu.Unlock()
	}
}
