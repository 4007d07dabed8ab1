// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"fmt"
	"runtime"
)

// Evaluator drives expressions to head-normal form and owns the Thunk
// graph's forcing protocol. The zero Evaluator is ready to use; a single
// Evaluator may be shared by any number of goroutines.
type Evaluator struct {
	primops map[string]*Primop
}

// NewEvaluator returns an Evaluator with the given global primops bound
// into every root [Environment] created via [Evaluator.RootEnvironment].
func NewEvaluator(primops ...*Primop) *Evaluator {
	ev := &Evaluator{primops: make(map[string]*Primop, len(primops))}
	for _, p := range primops {
		ev.primops[p.Name] = p
	}
	return ev
}

// RootEnvironment returns a fresh root [Environment] with the
// Evaluator's primops bound as variables.
func (ev *Evaluator) RootEnvironment() *Environment {
	names := make([]string, 0, len(ev.primops))
	values := make([]*Value, 0, len(ev.primops))
	for name, p := range ev.primops {
		names = append(names, name)
		values = append(values, PrimopValue(p))
	}
	return NewEnvironment().Push(names, values)
}

// Eval drives expr to head-normal form in env, forcing the result before
// returning it.
func (ev *Evaluator) Eval(ctx context.Context, expr Expr, env *Environment) (*Value, error) {
	return ev.ForceValue(ctx, NewThunk(expr, env))
}

type forcingKey struct{}

// forcingSet is an immutable, persistent stack of the Value nodes the
// current call chain is in the process of forcing. Because it rides
// along on context.Context, a goroutine that branches off mid-force (as
// the parallel search does) carries an independent copy from that point
// on: per-thread currently-forcing bookkeeping expressed without any
// goroutine-local storage.
type forcingSet struct {
	parent *forcingSet
	node   *Value
}

func (s *forcingSet) contains(v *Value) bool {
	for ; s != nil; s = s.parent {
		if s.node == v {
			return true
		}
	}
	return false
}

func withForcing(ctx context.Context, v *Value) context.Context {
	prev, _ := ctx.Value(forcingKey{}).(*forcingSet)
	return context.WithValue(ctx, forcingKey{}, &forcingSet{parent: prev, node: v})
}

func forcingFromContext(ctx context.Context) *forcingSet {
	s, _ := ctx.Value(forcingKey{}).(*forcingSet)
	return s
}

// ForceValue ensures v is in a fully-evaluated (final) variant, following
// the Thunk/App -> Blackhole -> final-variant protocol documented on
// [Value]. It returns v itself once forced: v's tag and payload are
// updated in place, so every other reference to v observes the same
// result.
func (ev *Evaluator) ForceValue(ctx context.Context, v *Value) (*Value, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind := v.kind()
		if kind.isFinal() {
			return v, nil
		}

		if forcingFromContext(ctx).contains(v) {
			// Re-entering a node we are already in the middle of
			// forcing on this same call chain: either this goroutine
			// CAS'd it to Blackhole earlier in this very stack (true
			// self-recursion, e.g. `let x = x; in x`), or it is still
			// Thunk/App and about to be. Either way, looping further
			// can never make progress, so raise instead of spinning
			// forever.
			return nil, newEvalError(Position{}, "infinite recursion")
		}

		if kind == kindBlackhole {
			// Another goroutine owns the CAS lease. Busy-wait with an
			// interrupt check. If the tag reverts to Thunk (the owner
			// failed and restored it), loop around and race to own it.
			runtime.Gosched()
			continue
		}

		if !v.tag.CompareAndSwap(int32(kind), int32(kindBlackhole)) {
			// Lost the race; retry from the top.
			continue
		}

		result, err := ev.computeBlackholed(withForcing(ctx, v), v, kind)
		if err != nil {
			if !v.tag.CompareAndSwap(int32(kindBlackhole), int32(kind)) {
				panic("eval: could not restore thunk tag after failed evaluation")
			}
			return nil, err
		}

		if got := result.kind(); !got.isFinal() {
			panic(fmt.Sprintf("eval: evaluation published non-final variant %v", got))
		}
		v.payload.Store(result.payload.Load())
		v.tag.Store(int32(result.kind()))
		return v, nil
	}
}

// computeBlackholed performs the actual evaluation work for a node that
// the caller has just won the CAS race to blackhole. It must not mutate
// v itself; the caller publishes the result.
func (ev *Evaluator) computeBlackholed(ctx context.Context, v *Value, kind valueKind) (*Value, error) {
	var next *Value
	var err error
	switch kind {
	case kindThunk:
		st := v.load().(thunkState)
		next, err = ev.reduce(ctx, st.expr, st.env)
	case kindApp:
		st := v.load().(appState)
		next, err = ev.apply(ctx, st.fn, st.arg)
	default:
		panic("eval: computeBlackholed called with non-thunk, non-app kind")
	}
	if err != nil {
		return nil, err
	}
	// reduce/apply may return another lazy node (e.g. a function body
	// thunk); chase it to a final variant before publishing.
	return ev.ForceValue(ctx, next)
}

// reduce interprets a single [Expr] node, returning the (possibly still
// lazy) value it evaluates to. Sub-expressions are forced only where the
// expression's semantics require it (If's condition, Select's target,
// Assert's condition, HasAttr's target); everything else stays lazy.
func (ev *Evaluator) reduce(ctx context.Context, expr Expr, env *Environment) (*Value, error) {
	switch e := expr.(type) {
	case *Literal:
		return e.Value, nil

	case *Var:
		if v, ok := env.Lookup(e.Name); ok {
			return v, nil
		}
		for _, scope := range env.WithScopes() {
			attrs, err := ev.ForceValue(ctx, scope)
			if err != nil {
				return nil, err
			}
			if attrs.kind() != kindAttrSet {
				return nil, newTypeError(e.Pos, "attrset", attrs.kind())
			}
			if v, _, ok := attrs.AsAttrs().Get(e.Name); ok {
				return v, nil
			}
		}
		return nil, newEvalError(e.Pos, fmt.Sprintf("undefined variable %q", e.Name))

	case *Apply:
		return NewApp(NewThunk(e.Fn, env), NewThunk(e.Arg, env)), nil

	case *FuncExpr:
		return LambdaValue(&Lambda{Param: e.Param, Formals: e.Formals, Body: e.Body, Env: env}), nil

	case *Let:
		bindEnv := bindRecursive(env, e.Bindings)
		return NewThunk(e.Body, bindEnv), nil

	case *AttrSetExpr:
		bindEnv := env
		if e.Recursive {
			bindEnv = bindRecursive(env, e.Entries)
		}
		b := NewBindings(len(e.Entries))
		for _, ent := range e.Entries {
			b.Set(ent.Name, NewThunk(ent.Value, bindEnv), ent.Pos)
		}
		return AttrSet(b), nil

	case *ListExpr:
		elems := make([]*Value, len(e.Elems))
		for i, elem := range e.Elems {
			elems[i] = NewThunk(elem, env)
		}
		return List(elems), nil

	case *Select:
		target, err := ev.ForceValue(ctx, NewThunk(e.Target, env))
		if err != nil {
			if e.Default != nil {
				return NewThunk(e.Default, env), nil
			}
			return nil, err
		}
		if target.kind() != kindAttrSet {
			if e.Default != nil {
				return NewThunk(e.Default, env), nil
			}
			return nil, newTypeError(e.Pos, "attrset", target.kind())
		}
		if v, _, ok := target.AsAttrs().Get(e.Attr); ok {
			return v, nil
		}
		if e.Default != nil {
			return NewThunk(e.Default, env), nil
		}
		return nil, newEvalError(e.Pos, fmt.Sprintf("attribute %q missing", e.Attr))

	case *HasAttr:
		target, err := ev.ForceValue(ctx, NewThunk(e.Target, env))
		if err != nil {
			return nil, err
		}
		if target.kind() != kindAttrSet {
			return Bool(false), nil
		}
		return Bool(target.AsAttrs().Has(e.Attr)), nil

	case *If:
		cond, err := ev.ForceValue(ctx, NewThunk(e.Cond, env))
		if err != nil {
			return nil, err
		}
		if cond.kind() != kindBool {
			return nil, newTypeError(Position{}, "bool", cond.kind())
		}
		if cond.AsBool() {
			return NewThunk(e.Then, env), nil
		}
		return NewThunk(e.Else, env), nil

	case *Assert:
		cond, err := ev.ForceValue(ctx, NewThunk(e.Cond, env))
		if err != nil {
			return nil, err
		}
		if cond.kind() != kindBool || !cond.AsBool() {
			return nil, newAssertionError(e.Pos, "")
		}
		return NewThunk(e.Body, env), nil

	case *With:
		return NewThunk(e.Body, env.PushWith(NewThunk(e.AttrSet, env))), nil

	default:
		return nil, newEvalError(Position{}, fmt.Sprintf("unhandled expression type %T", expr))
	}
}

func bindRecursive(env *Environment, entries []AttrEntry) *Environment {
	names := make([]string, len(entries))
	for i, ent := range entries {
		names[i] = ent.Name
	}
	values := make([]*Value, len(entries))
	bindEnv := env.Push(names, values)
	for i, ent := range entries {
		values[i] = NewThunk(ent.Value, bindEnv)
	}
	return bindEnv
}

// apply forces fn to a callable (Lambda or Primop) and applies it to arg,
// returning the (possibly lazy) result.
func (ev *Evaluator) apply(ctx context.Context, fn, arg *Value) (*Value, error) {
	fnv, err := ev.ForceValue(ctx, fn)
	if err != nil {
		return nil, err
	}
	switch fnv.kind() {
	case kindLambda:
		l := fnv.AsLambda()
		if l.Param != "" {
			return NewThunk(l.Body, l.Env.Push([]string{l.Param}, []*Value{arg})), nil
		}
		argv, err := ev.ForceValue(ctx, arg)
		if err != nil {
			return nil, err
		}
		if argv.kind() != kindAttrSet {
			return nil, newTypeError(Position{}, "attrset", argv.kind())
		}
		return ev.callFormals(l, argv.AsAttrs())
	case kindPrimop:
		return ev.applyPrimop(ctx, fnv.AsPrimop(), arg)
	default:
		return nil, newTypeError(Position{}, "function", fnv.kind())
	}
}

func (ev *Evaluator) callFormals(l *Lambda, args *Bindings) (*Value, error) {
	names := make([]string, len(l.Formals))
	values := make([]*Value, len(l.Formals))
	for i, f := range l.Formals {
		names[i] = f.Name
		if v, _, ok := args.Get(f.Name); ok {
			values[i] = v
		} else if f.Default != nil {
			values[i] = NewThunk(f.Default, l.Env)
		} else {
			return nil, newEvalError(Position{}, fmt.Sprintf("missing formal argument %q", f.Name))
		}
	}
	return NewThunk(l.Body, l.Env.Push(names, values)), nil
}

// applyPrimop collects arguments for a curried builtin, forcing each one
// (builtins are strict in their arguments; none of this evaluator's
// primops inspect a lazy thunk) and invoking Apply once Arity arguments
// have been supplied.
func (ev *Evaluator) applyPrimop(ctx context.Context, p *Primop, arg *Value) (*Value, error) {
	forced, err := ev.ForceValue(ctx, arg)
	if err != nil {
		return nil, err
	}
	if p.Arity <= 1 {
		return p.Apply(Position{}, []*Value{forced})
	}
	collected := []*Value{forced}
	return PrimopValue(&Primop{
		Name:  p.Name,
		Arity: p.Arity - 1,
		Apply: func(pos Position, args []*Value) (*Value, error) {
			return p.Apply(pos, append(append([]*Value{}, collected...), args...))
		},
	}), nil
}

// ForceAttrs forces v and asserts it is an attribute set, annotating any
// type mismatch with pos.
func (ev *Evaluator) ForceAttrs(ctx context.Context, v *Value, pos Position) (*Bindings, error) {
	forced, err := ev.ForceValue(ctx, v)
	if err != nil {
		return nil, err
	}
	if forced.kind() != kindAttrSet {
		return nil, newTypeError(pos, "attrset", forced.kind())
	}
	return forced.AsAttrs(), nil
}

// ForceList forces v and asserts it is a list, annotating any type
// mismatch with pos.
func (ev *Evaluator) ForceList(ctx context.Context, v *Value, pos Position) ([]*Value, error) {
	forced, err := ev.ForceValue(ctx, v)
	if err != nil {
		return nil, err
	}
	if forced.kind() != kindList {
		return nil, newTypeError(pos, "list", forced.kind())
	}
	return forced.AsList(), nil
}

// IsDerivation reports whether v (already forced) is an attribute set
// whose "type" attribute is the string "derivation".
func (ev *Evaluator) IsDerivation(ctx context.Context, v *Value) (bool, error) {
	forced, err := ev.ForceValue(ctx, v)
	if err != nil {
		return false, err
	}
	if forced.kind() != kindAttrSet {
		return false, nil
	}
	typ, _, ok := forced.AsAttrs().Get("type")
	if !ok {
		return false, nil
	}
	typForced, err := ev.ForceValue(ctx, typ)
	if err != nil {
		return false, err
	}
	return typForced.kind() == kindString && typForced.AsString() == "derivation", nil
}

// AutoCallFunction calls f, which must be a [Lambda] with an attribute-set
// pattern, supplying values from args for every matched formal parameter
// (and leaving the rest to their defaults). The call's result is forced
// before being returned.
func (ev *Evaluator) AutoCallFunction(ctx context.Context, args *Bindings, f *Value) (*Value, error) {
	forced, err := ev.ForceValue(ctx, f)
	if err != nil {
		return nil, err
	}
	if forced.kind() != kindLambda {
		return nil, newTypeError(Position{}, "function", forced.kind())
	}
	l := forced.AsLambda()
	if l.Param != "" {
		return nil, newEvalError(Position{}, "autoCallFunction requires an attribute-set pattern")
	}
	names := make([]string, len(l.Formals))
	values := make([]*Value, len(l.Formals))
	for i, formal := range l.Formals {
		names[i] = formal.Name
		if v, _, ok := args.Get(formal.Name); ok {
			values[i] = v
		} else if formal.Default != nil {
			values[i] = NewThunk(formal.Default, l.Env)
		} else {
			return nil, newEvalError(Position{}, fmt.Sprintf("missing argument %q", formal.Name))
		}
	}
	return ev.ForceValue(ctx, NewThunk(l.Body, l.Env.Push(names, values)))
}
