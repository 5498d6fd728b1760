package breaker

import (
	"context"
	"sort"
	"sync"
)

// Group holds one breaker per collaborator name, created on first use from
// a shared template.
type Group struct {
	template Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a group. The template Name is ignored.
func NewGroup(template Settings) *Group {
	return &Group{
		template: template,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		s := g.template
		s.Name = name
		b = New(s)
		g.breakers[name] = b
	}
	return b
}

// Execute runs fn through the breaker for name.
func (g *Group) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States returns the state of every breaker, keyed by name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = g.Get(name).State()
	}
	return out
}
