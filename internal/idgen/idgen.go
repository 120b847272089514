// Package idgen provides the monotonically increasing execution id
// generator. IDs are unique per manager process; the registry eviction
// sweep relies on them being roughly age-ordered.
package idgen

import "sync/atomic"

// Generator hands out monotonically increasing int64 ids.
type Generator struct {
	last atomic.Int64
}

// New creates a generator whose first id is start+1.
func New(start int64) *Generator {
	g := &Generator{}
	g.last.Store(start)
	return g
}

// Next returns the next id.
func (g *Generator) Next() int64 {
	return g.last.Add(1)
}

// Last returns the most recently issued id.
func (g *Generator) Last() int64 {
	return g.last.Load()
}
