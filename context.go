package reqtrace

import "sync"

// Context is an immutable, chainable key/value structure. Deriving a value
// never mutates the receiver; it returns a new node wrapped around it.
type Context struct {
	parent *Context
	key    interface{}
	value  interface{}
}

var background = &Context{}

// Background returns the root context. It carries no values and no span.
func Background() *Context {
	return background
}

// WithValue returns a derived Context in which Value(key) returns value.
func (c *Context) WithValue(key, value interface{}) *Context {
	if c == nil {
		c = background
	}
	return &Context{parent: c, key: key, value: value}
}

// Value walks the chain outward and returns the innermost value set for key,
// or nil if the key was never set.
func (c *Context) Value(key interface{}) interface{} {
	for n := c; n != nil; n = n.parent {
		if n.key == key {
			return n.value
		}
	}
	return nil
}

type activeSpanKey struct{}

// ContextWithSpan returns a derived Context carrying span as the current span.
func ContextWithSpan(ctx *Context, span *Span) *Context {
	return ctx.WithValue(activeSpanKey{}, span)
}

// SpanFromContext returns the current span carried by ctx, or nil.
func SpanFromContext(ctx *Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(activeSpanKey{}).(*Span); ok {
		return span
	}
	return nil
}

// Manager tracks the currently active Context across synchronous and
// asynchronous control flow. The execution model is cooperative: callbacks of
// logically concurrent operations interleave, so correctness comes from
// capture-and-restore at every scheduling point, not from locking out
// concurrent owners. Bind is that capture point: it snapshots the active
// context and replays it around the continuation whenever it later runs,
// however many continuations fan out from the same point.
type Manager struct {
	mu     sync.Mutex
	active *Context
}

func NewManager() *Manager {
	return &Manager{active: background}
}

// Active returns the currently active Context, never nil.
func (m *Manager) Active() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// WithActive runs fn with ctx active, then restores whatever context was
// active immediately before the call. Restoration is scoped, not global, so
// nested WithActive calls unwind correctly, and it happens even if fn panics.
func (m *Manager) WithActive(ctx *Context, fn func()) {
	if ctx == nil {
		ctx = background
	}
	prev := m.swap(ctx)
	defer m.swap(prev)
	fn()
}

// Bind captures the active context at call time and returns a function that
// runs fn with that context active. Schedule the returned function instead of
// fn at every asynchronous boundary.
func (m *Manager) Bind(fn func()) func() {
	captured := m.Active()
	return func() {
		m.WithActive(captured, fn)
	}
}

// Reset drops the manager back to the root context.
func (m *Manager) Reset() {
	m.swap(background)
}

func (m *Manager) swap(ctx *Context) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.active
	m.active = ctx
	return prev
}
