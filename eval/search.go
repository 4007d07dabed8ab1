// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SearchOptions configures [Evaluator.Search].
type SearchOptions struct {
	// Concurrency bounds the number of attribute sets visited at once.
	// Values less than 1 are treated as 1.
	Concurrency int
	// Shuffle randomizes the order in which an attribute set's children
	// are enqueued, which can reduce worst-case serial dependencies when
	// sibling derivations happen to force overlapping thunks. It is a
	// scheduling heuristic, not a correctness requirement.
	Shuffle bool
	// NamePattern, if non-nil, restricts the results to derivations
	// whose attribute path matches the regexp, mirroring `nix search`'s
	// filtering.
	NamePattern *regexp.Regexp
}

// Found is one result yielded by [Evaluator.Search]: a derivation
// candidate at a given attribute path.
type Found struct {
	AttrPath   string
	Derivation *Value
}

// Search performs a parallel attribute-tree traversal: it visits root's
// attribute tree (and the attribute trees of any child that is itself a
// derivation candidate, or that carries a truthy
// `recurseForDerivations` attribute), running up to opts.Concurrency
// visits concurrently, and sends one [Found] per derivation discovered.
//
// Results stream out over the returned channel as they are found, rather
// than only after the whole tree has been walked, matching the original
// `nix search`'s incremental output. The channel is closed when the
// traversal finishes; any error (other than a swallowed
// [AssertionError], which is simply skipped) aborts the remaining work
// and is returned by the function this method returns once the caller
// has drained the channel.
func (ev *Evaluator) Search(ctx context.Context, root *Value, opts SearchOptions) (<-chan Found, func() error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	out := make(chan Found)
	seen := &seenSet{m: make(map[*Value]bool)}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(opts.Concurrency)
	grp.Go(func() error {
		return ev.visit(grpCtx, grp, seen, out, "", root, opts)
	})

	done := make(chan error, 1)
	go func() {
		done <- grp.Wait()
		close(out)
	}()

	return out, func() error { return <-done }
}

// seenSet gates re-visiting an attribute-set node that is reachable by
// more than one path, behind a single lock.
type seenSet struct {
	mu sync.Mutex
	m  map[*Value]bool
}

func (s *seenSet) visit(v *Value) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[v] {
		return true
	}
	s.m[v] = true
	return false
}

func (ev *Evaluator) visit(ctx context.Context, grp *errgroup.Group, seen *seenSet, out chan<- Found, attrPath string, v *Value, opts SearchOptions) error {
	forced, err := ev.ForceValue(ctx, v)
	if err != nil {
		var assertErr *AssertionError
		if errors.As(err, &assertErr) {
			// A derivation that fails its own assertion is simply
			// skipped.
			return nil
		}
		return err
	}
	if forced.kind() != kindAttrSet {
		return nil
	}
	if seen.visit(forced) {
		return nil
	}
	attrs := forced.AsAttrs()

	isDrv, err := ev.IsDerivation(ctx, forced)
	if err != nil {
		var assertErr *AssertionError
		if errors.As(err, &assertErr) {
			return nil
		}
		return err
	}
	if isDrv {
		if opts.NamePattern == nil || opts.NamePattern.MatchString(attrPath) {
			select {
			case out <- Found{AttrPath: attrPath, Derivation: forced}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// A derivation's own attributes (its outputs, etc.) are not
		// themselves searched further.
		return nil
	}

	if attrPath != "" && !ev.recurseForDerivations(ctx, attrs) {
		return nil
	}

	names := attrs.Names()
	if opts.Shuffle {
		rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	}
	for _, name := range names {
		name := name
		child, _, _ := attrs.Get(name)
		childPath := name
		if attrPath != "" {
			childPath = attrPath + "." + name
		}
		visitChild := func() error {
			return ev.visit(ctx, grp, seen, out, childPath, child, opts)
		}
		// TryGo never blocks: if the group is already at opts.Concurrency
		// (the caller's own slot included), run the child inline instead
		// of queuing behind grp.Go, which would wait for a slot that the
		// caller itself is holding. At Concurrency==1 this degrades to a
		// plain recursive walk instead of deadlocking.
		if !grp.TryGo(visitChild) {
			if err := visitChild(); err != nil {
				return err
			}
		}
	}
	return nil
}

// recurseForDerivations reports whether attrs carries a truthy
// `recurseForDerivations` attribute, gating descent into a nested
// attribute set.
func (ev *Evaluator) recurseForDerivations(ctx context.Context, attrs *Bindings) bool {
	v, _, ok := attrs.Get("recurseForDerivations")
	if !ok {
		return false
	}
	forced, err := ev.ForceValue(ctx, v)
	if err != nil {
		return false
	}
	return forced.kind() == kindBool && forced.AsBool()
}

// collectFound drains a [Evaluator.Search] channel into a slice, for
// callers that want the whole result set at once instead of streaming.
func collectFound(ch <-chan Found) []Found {
	var found []Found
	for f := range ch {
		found = append(found, f)
	}
	return found
}
