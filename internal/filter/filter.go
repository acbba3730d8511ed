// Package filter holds the seen sets that decide whether a record's host has
// already been stored.
package filter

import (
	"context"

	"github.com/maxvaer/fofasweep/internal/record"
)

// Set is a host set with atomic check-and-insert.
type Set interface {
	// Seed inserts hosts already present in the output store.
	Seed(ctx context.Context, recs ...record.Record) error
	// Accept inserts rec.Host and reports whether it was absent.
	Accept(ctx context.Context, rec record.Record) (bool, error)
}

// Chain layers sets from nearest to farthest. A host is new only if every
// set accepts it; the first set that has seen it short-circuits the rest.
// Putting a SeenSet in front of a RedisSet skips the network round trip for
// hosts this process has already decided on.
type Chain struct {
	sets []Set
}

// NewChain returns a chain over sets, checked in order.
func NewChain(sets ...Set) *Chain {
	return &Chain{sets: sets}
}

// Add appends a set to the chain.
func (c *Chain) Add(s Set) {
	c.sets = append(c.sets, s)
}

func (c *Chain) Seed(ctx context.Context, recs ...record.Record) error {
	for _, s := range c.sets {
		if err := s.Seed(ctx, recs...); err != nil {
			return err
		}
	}
	return nil
}

// Accept marks the host in every set up to and including the first that had
// already seen it, so nearer sets learn about hosts found farther out.
func (c *Chain) Accept(ctx context.Context, rec record.Record) (bool, error) {
	for _, s := range c.sets {
		fresh, err := s.Accept(ctx, rec)
		if err != nil {
			return false, err
		}
		if !fresh {
			return false, nil
		}
	}
	return true, nil
}
