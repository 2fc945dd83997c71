package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

// Conn is a client connection to the mirror. Disconnect hooks registered on a
// connection fire when it is dropped without an explicit Close.
type Conn struct {
	id    string
	store *Store

	mu     sync.Mutex
	hooks  map[string]Write
	closed bool

	lastSeen atomic.Int64 // unix nanos
}

// Connect opens a connection with the given id, or returns the live
// connection already registered under it. An empty id gets a generated one.
func (s *Store) Connect(id string) (*Conn, error) {
	if s.closing.Load() {
		return nil, common.ErrClosed
	}
	if id == "" {
		id = s.keys.PushKey()
	} else if err := common.ValidateSegment("connection", id); err != nil {
		return nil, err
	}

	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if c, ok := s.conns[id]; ok {
		c.Heartbeat()
		return c, nil
	}

	c := &Conn{id: id, store: s, hooks: make(map[string]Write)}
	c.Heartbeat()
	s.conns[id] = c
	telemetry.OpenConnections.Set(float64(len(s.conns)))

	log.Debug().Str("conn", id).Msg("Mirror connection opened")
	return c, nil
}

// OpenConnections returns the number of live connections
func (s *Store) OpenConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Store) forget(c *Conn) {
	s.connsMu.Lock()
	if cur, ok := s.conns[c.id]; ok && cur == c {
		delete(s.conns, c.id)
	}
	telemetry.OpenConnections.Set(float64(len(s.conns)))
	s.connsMu.Unlock()
}

// ID returns the connection id
func (c *Conn) ID() string {
	return c.id
}

// OnDisconnect registers w to be written at path if the connection drops.
// Registering again for the same path replaces the previous hook.
func (c *Conn) OnDisconnect(path string, w Write) error {
	if err := common.ValidatePath(path); err != nil {
		return err
	}
	if w.Data == nil {
		return common.Invalid("data", path, "must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return common.ErrClosed
	}
	c.hooks[path] = Write{Data: w.Data.Clone(), Origin: w.Origin, Seq: w.Seq}
	return nil
}

// CancelOnDisconnect removes the hook registered for path, if any
func (c *Conn) CancelOnDisconnect(path string) {
	c.mu.Lock()
	delete(c.hooks, path)
	c.mu.Unlock()
}

// Hooks returns the number of armed disconnect hooks
func (c *Conn) Hooks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hooks)
}

// Heartbeat marks the connection as alive
func (c *Conn) Heartbeat() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// Close is an explicit sign-off: pending hooks are discarded
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.hooks = nil
	c.mu.Unlock()

	c.store.forget(c)
	log.Debug().Str("conn", c.id).Msg("Mirror connection closed")
}

// Drop terminates the connection abnormally and fires its hooks. Hook
// writes are tagged OriginExternal and resolve server values at fire time.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.store.forget(c)

	for path, w := range hooks {
		w.Origin = common.OriginExternal
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.store.Set(ctx, path, w)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("conn", c.id).Str("path", path).Msg("Disconnect hook failed")
			continue
		}
		telemetry.DisconnectHooksFiredTotal.Inc()
	}

	log.Debug().Str("conn", c.id).Int("hooks", len(hooks)).Msg("Mirror connection dropped")
}

func (s *Store) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

func (s *Store) reap(now time.Time) {
	s.connsMu.Lock()
	var idle []*Conn
	for _, c := range s.conns {
		if c.idleSince(now) > s.opts.ConnectionTimeout {
			idle = append(idle, c)
		}
	}
	s.connsMu.Unlock()

	for _, c := range idle {
		log.Info().Str("conn", c.id).Msg("Reaping idle mirror connection")
		c.Drop()
	}
}
