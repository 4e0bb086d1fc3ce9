package middleware

import "net/http"

// Middleware decorates an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an immutable middleware list. The gateway assembles one chain
// per endpoint; Append shares no state with the receiver, so a common
// prefix can fan out into per-route variants.
type Chain struct {
	stack []Middleware
}

// NewChain builds a chain that applies middlewares first to last.
func NewChain(stack ...Middleware) *Chain {
	return &Chain{stack: stack}
}

// Then terminates the chain with h. The first middleware in the chain ends
// up outermost.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		h = c.stack[i](h)
	}
	return h
}

// ThenFunc terminates the chain with a handler function.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain with more middlewares at the end.
func (c *Chain) Append(more ...Middleware) *Chain {
	stack := make([]Middleware, 0, len(c.stack)+len(more))
	stack = append(stack, c.stack...)
	stack = append(stack, more...)
	return &Chain{stack: stack}
}

// Len reports how many middlewares the chain holds.
func (c *Chain) Len() int {
	return len(c.stack)
}

// Builder accumulates middlewares for conditional assembly.
type Builder struct {
	stack []Middleware
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends a middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.stack = append(b.stack, m)
	return b
}

// UseIf appends a middleware only when cond holds. Optional stages like
// rate limiting drop out of the chain entirely instead of running as
// no-ops.
func (b *Builder) UseIf(cond bool, m Middleware) *Builder {
	if cond {
		b.stack = append(b.stack, m)
	}
	return b
}

// Build freezes the builder into a chain.
func (b *Builder) Build() *Chain {
	return NewChain(b.stack...)
}

// Handler terminates the accumulated chain with h.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.Build().Then(h)
}
