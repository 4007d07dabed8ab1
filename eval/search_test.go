// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"regexp"
	"sort"
	"testing"
)

func derivationAttrSet(name string) Expr {
	return &AttrSetExpr{Entries: []AttrEntry{
		{Name: "type", Value: &Literal{Value: String("derivation")}},
		{Name: "name", Value: &Literal{Value: String(name)}},
	}}
}

func TestSearchFindsNestedDerivations(t *testing.T) {
	ev := NewEvaluator()
	root := &AttrSetExpr{Entries: []AttrEntry{
		{Name: "hello", Value: derivationAttrSet("hello")},
		{Name: "pkgs", Value: &AttrSetExpr{Entries: []AttrEntry{
			{Name: "recurseForDerivations", Value: &Literal{Value: Bool(true)}},
			{Name: "world", Value: derivationAttrSet("world")},
		}}},
		{Name: "hidden", Value: &AttrSetExpr{Entries: []AttrEntry{
			{Name: "notFound", Value: derivationAttrSet("notFound")},
		}}},
	}}

	rootVal, err := ev.Eval(context.Background(), root, NewEnvironment())
	if err != nil {
		t.Fatal(err)
	}

	out, wait := ev.Search(context.Background(), rootVal, SearchOptions{Concurrency: 4})
	found := collectFound(out)
	if err := wait(); err != nil {
		t.Fatal(err)
	}

	var paths []string
	for _, f := range found {
		paths = append(paths, f.AttrPath)
	}
	sort.Strings(paths)

	want := []string{"hello", "pkgs.world"}
	if len(paths) != len(want) {
		t.Fatalf("found %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("found %v, want %v", paths, want)
		}
	}
}

func TestSearchSwallowsAssertionFailure(t *testing.T) {
	ev := NewEvaluator()
	root := &AttrSetExpr{Entries: []AttrEntry{
		{Name: "broken", Value: &Assert{
			Cond: &Literal{Value: Bool(false)},
			Body: derivationAttrSet("broken"),
		}},
		{Name: "ok", Value: derivationAttrSet("ok")},
	}}
	rootVal, err := ev.Eval(context.Background(), root, NewEnvironment())
	if err != nil {
		t.Fatal(err)
	}

	out, wait := ev.Search(context.Background(), rootVal, SearchOptions{})
	found := collectFound(out)
	if err := wait(); err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].AttrPath != "ok" {
		t.Fatalf("found %v, want exactly [ok]", found)
	}
}

func TestSearchNamePatternFilters(t *testing.T) {
	ev := NewEvaluator()
	root := &AttrSetExpr{Entries: []AttrEntry{
		{Name: "foo", Value: derivationAttrSet("foo")},
		{Name: "bar", Value: derivationAttrSet("bar")},
	}}
	rootVal, err := ev.Eval(context.Background(), root, NewEnvironment())
	if err != nil {
		t.Fatal(err)
	}

	out, wait := ev.Search(context.Background(), rootVal, SearchOptions{NamePattern: regexp.MustCompile("^foo$")})
	found := collectFound(out)
	if err := wait(); err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].AttrPath != "foo" {
		t.Fatalf("found %v, want exactly [foo]", found)
	}
}

func TestSearchDoesNotRecurseWithoutFlag(t *testing.T) {
	ev := NewEvaluator()
	root := &AttrSetExpr{Entries: []AttrEntry{
		{Name: "plain", Value: &AttrSetExpr{Entries: []AttrEntry{
			{Name: "inner", Value: derivationAttrSet("inner")},
		}}},
	}}
	rootVal, err := ev.Eval(context.Background(), root, NewEnvironment())
	if err != nil {
		t.Fatal(err)
	}

	out, wait := ev.Search(context.Background(), rootVal, SearchOptions{})
	found := collectFound(out)
	if err := wait(); err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("found %v, want none (no recurseForDerivations flag)", found)
	}
}
