// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package eval implements a concurrent, lazy evaluator for the expression
// graph that produces derivations. Each [Value] node carries a single
// atomic type tag; forcing a node transitions its tag through the
// lock-free Thunk/App -> Blackhole -> final-variant protocol described in
// the documentation for [Value].
package eval

import (
	"sync/atomic"
)

// valueKind identifies which variant of the tagged union a [Value]
// currently holds.
type valueKind int32

const (
	kindThunk valueKind = iota
	kindBlackhole
	kindApp
	kindInt
	kindBool
	kindString
	kindPath
	kindNull
	kindAttrSet
	kindList
	kindLambda
	kindPrimop
)

func (k valueKind) String() string {
	switch k {
	case kindThunk:
		return "thunk"
	case kindBlackhole:
		return "blackhole"
	case kindApp:
		return "app"
	case kindInt:
		return "int"
	case kindBool:
		return "bool"
	case kindString:
		return "string"
	case kindPath:
		return "path"
	case kindNull:
		return "null"
	case kindAttrSet:
		return "attrset"
	case kindList:
		return "list"
	case kindLambda:
		return "lambda"
	case kindPrimop:
		return "primop"
	default:
		return "valueKind(?)"
	}
}

// isFinal reports whether k is a fully-evaluated variant, i.e. not one of
// the transient Thunk/Blackhole/App tags.
func (k valueKind) isFinal() bool {
	switch k {
	case kindThunk, kindBlackhole, kindApp:
		return false
	default:
		return true
	}
}

// A Value is a node in the evaluator's thunk graph. The zero Value is not
// usable; construct one with [NewThunk], [NewApp], or one of the eager
// constructors ([Int], [Bool], [String], and so on).
//
// A Value's tag transitions atomically:
//
//	Thunk --CAS--> Blackhole --success--> (final variant)
//	                    |
//	                    +--failure--> Thunk (restored)
//
// A goroutine that wins the CAS from Thunk (or App) to Blackhole has the
// exclusive right to evaluate the node. It computes the result into a
// private payload, stores that payload, and only then swaps the tag to
// the final variant: that swap is the publication point, and every
// goroutine that subsequently observes the final tag also observes the
// fully-initialized payload, because Go's atomics are sequentially
// consistent.
type Value struct {
	tag     atomic.Int32
	payload atomic.Pointer[any]
}

func newValue(kind valueKind, payload any) *Value {
	v := new(Value)
	v.payload.Store(&payload)
	v.tag.Store(int32(kind))
	return v
}

func (v *Value) kind() valueKind {
	return valueKind(v.tag.Load())
}

func (v *Value) load() any {
	p := v.payload.Load()
	if p == nil {
		return nil
	}
	return *p
}

// thunkState is the payload of a Value tagged kindThunk or kindBlackhole.
type thunkState struct {
	expr Expr
	env  *Environment
}

// appState is the payload of a Value tagged kindApp or kindBlackhole
// (when the blackhole originated from an App).
type appState struct {
	fn  *Value
	arg *Value
}

// NewThunk returns a [Value] representing the unevaluated expression expr
// in environment env.
func NewThunk(expr Expr, env *Environment) *Value {
	return newValue(kindThunk, thunkState{expr: expr, env: env})
}

// NewApp returns a [Value] representing the unevaluated application of fn
// to arg.
func NewApp(fn, arg *Value) *Value {
	return newValue(kindApp, appState{fn: fn, arg: arg})
}

// Int returns an already-evaluated integer value.
func Int(i int64) *Value { return newValue(kindInt, i) }

// Bool returns an already-evaluated boolean value.
func Bool(b bool) *Value { return newValue(kindBool, b) }

// String returns an already-evaluated string value.
func String(s string) *Value { return newValue(kindString, s) }

// Path returns an already-evaluated path value.
func Path(p string) *Value { return newValue(kindPath, p) }

// Null returns an already-evaluated null value. Every call returns a
// distinct node; callers that need identity-comparable nulls should share
// one.
func Null() *Value { return newValue(kindNull, nil) }

// AttrSet returns an already-evaluated attribute set value.
func AttrSet(b *Bindings) *Value { return newValue(kindAttrSet, b) }

// List returns an already-evaluated list value.
func List(elems []*Value) *Value { return newValue(kindList, elems) }

// LambdaValue returns an already-evaluated function value.
func LambdaValue(l *Lambda) *Value { return newValue(kindLambda, l) }

// PrimopValue returns an already-evaluated builtin function value.
func PrimopValue(p *Primop) *Value { return newValue(kindPrimop, p) }

// AsInt returns the value's integer payload. The caller must have already
// forced v to kindInt.
func (v *Value) AsInt() int64 { return v.load().(int64) }

// AsBool returns the value's boolean payload. The caller must have
// already forced v to kindBool.
func (v *Value) AsBool() bool { return v.load().(bool) }

// AsString returns the value's string payload. The caller must have
// already forced v to kindString.
func (v *Value) AsString() string { return v.load().(string) }

// AsPath returns the value's path payload. The caller must have already
// forced v to kindPath.
func (v *Value) AsPath() string { return v.load().(string) }

// AsAttrs returns the value's bindings. The caller must have already
// forced v to kindAttrSet.
func (v *Value) AsAttrs() *Bindings { return v.load().(*Bindings) }

// AsList returns the value's elements. The caller must have already
// forced v to kindList.
func (v *Value) AsList() []*Value { return v.load().([]*Value) }

// AsLambda returns the value's function payload. The caller must have
// already forced v to kindLambda.
func (v *Value) AsLambda() *Lambda { return v.load().(*Lambda) }

// AsPrimop returns the value's builtin payload. The caller must have
// already forced v to kindPrimop.
func (v *Value) AsPrimop() *Primop { return v.load().(*Primop) }

// IsNull reports whether v has been forced to the null variant.
func (v *Value) IsNull() bool { return v.kind() == kindNull }

// Lambda is a user-defined function: a formal parameter list (with
// optional defaults for an attribute-set pattern) and a body expression
// closed over its defining environment.
type Lambda struct {
	Param   string   // simple parameter name, or "" if the lambda destructures an attrset
	Formals []Formal // used when Param == ""
	Body    Expr
	Env     *Environment
}

// Formal is one formal parameter of an attribute-set lambda pattern.
type Formal struct {
	Name    string
	Default Expr // nil if the formal has no default
}

// Primop is a builtin function implemented in Go.
type Primop struct {
	Name  string
	Arity int
	Apply func(pos Position, args []*Value) (*Value, error)
}
