package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Emitter sends typing:start / typing:stop for a conversation.
type Emitter interface {
	EmitTyping(ctx context.Context, conversationID string, typing bool) error
}

// Config holds the coordinator timings.
type Config struct {
	IdleTimeout   time.Duration
	RemoteTTL     time.Duration
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Second
	}
	if c.RemoteTTL == 0 {
		c.RemoteTTL = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
}

type timer interface {
	Stop() bool
}

// local is the current user's typing announcement. gen increments whenever
// a scheduled idle timer must be invalidated.
type local struct {
	active    string
	announced bool
	gen       uint64
	idle      timer
}

// Coordinator debounces local typing notifications and tracks remote typing
// users with expiry deadlines.
type Coordinator struct {
	cfg     Config
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer

	// emitMu orders local emits: each decision and its emit happen under
	// it, so a stop for a conversation never precedes its start on the wire.
	emitMu sync.Mutex

	mu     sync.Mutex
	local  local
	remote map[string]map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator emitting through emitter.
func NewCoordinator(cfg Config, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:     cfg,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		remote: make(map[string]map[string]time.Time),
	}
}

// Start runs the remote-typing sweep until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(c.now())
			}
		}
	}()
}

// Stop halts the sweep and any pending idle timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	if c.local.idle != nil {
		c.local.idle.Stop()
		c.local.idle = nil
	}
	c.local.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Active returns the conversation keystrokes are attributed to.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.active
}

// Keystroke announces typing in the active conversation if not yet announced
// and restarts the idle timer. Without an active conversation it does nothing.
func (c *Coordinator) Keystroke(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	conv := c.local.active
	if conv == "" {
		c.mu.Unlock()
		return nil
	}
	announce := !c.local.announced
	c.local.announced = true
	c.local.gen++
	gen := c.local.gen
	if c.local.idle != nil {
		c.local.idle.Stop()
	}
	c.local.idle = c.afterFunc(c.cfg.IdleTimeout, func() { c.idleElapsed(conv, gen) })
	c.mu.Unlock()

	if !announce {
		return nil
	}
	if err := c.emitter.EmitTyping(ctx, conv, true); err != nil {
		c.mu.Lock()
		if c.local.active == conv && c.local.gen == gen {
			c.local.announced = false
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Coordinator) idleElapsed(conv string, gen uint64) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.local.active != conv || c.local.gen != gen || !c.local.announced {
		c.mu.Unlock()
		return
	}
	c.local.announced = false
	c.local.idle = nil
	c.mu.Unlock()

	if err := c.emitter.EmitTyping(context.Background(), conv, false); err != nil {
		c.logger.Debug("typing stop on idle failed", zap.String("conversation", conv), zap.Error(err))
	}
}

// MessageSent ends the local announcement immediately.
func (c *Coordinator) MessageSent(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	conv, announced := c.local.active, c.local.announced
	c.cancelLocked()
	c.mu.Unlock()

	if !announced {
		return nil
	}
	return c.emitter.EmitTyping(ctx, conv, false)
}

// SetActive switches the conversation keystrokes are attributed to. The
// previous conversation gets a typing:stop if one was owed, and its remote
// typing set is cleared.
func (c *Coordinator) SetActive(ctx context.Context, conversationID string) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	prev := c.local.active
	if prev == conversationID {
		c.mu.Unlock()
		return nil
	}
	announced := c.local.announced
	c.cancelLocked()
	c.local.active = conversationID
	_, hadRemote := c.remote[prev]
	delete(c.remote, prev)
	c.mu.Unlock()

	if hadRemote {
		c.publish(prev, nil)
	}
	if prev == "" || !announced {
		return nil
	}
	return c.emitter.EmitTyping(ctx, prev, false)
}

// cancelLocked drops the announcement and invalidates the idle timer.
func (c *Coordinator) cancelLocked() {
	c.local.announced = false
	c.local.gen++
	if c.local.idle != nil {
		c.local.idle.Stop()
		c.local.idle = nil
	}
}

// RemoteStart records that user is typing in conv until the TTL elapses.
func (c *Coordinator) RemoteStart(conv, user string) {
	c.mu.Lock()
	users, ok := c.remote[conv]
	if !ok {
		users = make(map[string]time.Time)
		c.remote[conv] = users
	}
	_, existed := users[user]
	users[user] = c.now().Add(c.cfg.RemoteTTL)
	list := c.typingLocked(conv, c.now())
	c.mu.Unlock()

	if !existed {
		c.publish(conv, list)
	}
}

// RemoteStop removes user from conv's typing set.
func (c *Coordinator) RemoteStop(conv, user string) {
	c.mu.Lock()
	users := c.remote[conv]
	_, existed := users[user]
	delete(users, user)
	if len(users) == 0 {
		delete(c.remote, conv)
	}
	list := c.typingLocked(conv, c.now())
	c.mu.Unlock()

	if existed {
		c.publish(conv, list)
	}
}

// Typing returns the users currently typing in conv, sorted.
func (c *Coordinator) Typing(conv string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked(conv, c.now())
}

func (c *Coordinator) typingLocked(conv string, now time.Time) []string {
	var ids []string
	for id, deadline := range c.remote[conv] {
		if now.Before(deadline) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep removes entries whose deadline has passed.
func (c *Coordinator) Sweep(now time.Time) {
	changed := make(map[string][]string)

	c.mu.Lock()
	for conv, users := range c.remote {
		expired := false
		for id, deadline := range users {
			if !now.Before(deadline) {
				delete(users, id)
				expired = true
			}
		}
		if !expired {
			continue
		}
		if len(users) == 0 {
			delete(c.remote, conv)
		}
		changed[conv] = c.typingLocked(conv, now)
	}
	c.mu.Unlock()

	for conv, list := range changed {
		c.publish(conv, list)
	}
}

// Reset clears all local and remote state without emitting.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.cancelLocked()
	c.local.active = ""
	c.remote = make(map[string]map[string]time.Time)
	c.mu.Unlock()
}

func (c *Coordinator) publish(conv string, users []string) {
	if users == nil {
		users = []string{}
	}
	c.bus.Emit(bus.KindTypingChanged, bus.TypingChange{ConversationID: conv, UserIDs: users})
}
