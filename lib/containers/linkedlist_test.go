// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func drain[T any](l *LinkedList[T]) []T {
	var out []T
	for e := l.Oldest(); e != nil; e = e.Newer() {
		out = append(out, e.Value)
	}
	return out
}

func TestLinkedList(t *testing.T) {
	t.Parallel()
	var l LinkedList[int]
	assert.True(t, l.IsEmpty())
	assert.Zero(t, l.Len())

	e1 := l.Store(1)
	e2 := l.Store(2)
	e3 := l.Store(3)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []int{1, 2, 3}, drain(&l))

	l.MoveToNewest(e1)
	assert.Equal(t, []int{2, 3, 1}, drain(&l))
	l.MoveToNewest(e1) // already newest; no-op
	assert.Equal(t, []int{2, 3, 1}, drain(&l))

	l.Delete(e3)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []int{2, 1}, drain(&l))

	l.Delete(e2)
	l.Delete(e1)
	assert.True(t, l.IsEmpty())
	assert.Zero(t, l.Len())

	// Entries churn through the pool without corrupting order.
	for i := 0; i < 10; i++ {
		l.Store(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, drain(&l))
	assert.Equal(t, 10, l.Len())
	for !l.IsEmpty() {
		l.Delete(l.Oldest())
	}
	assert.Zero(t, l.Len())
}

func TestLinkedListBackwards(t *testing.T) {
	t.Parallel()
	var l LinkedList[string]
	l.Store("a")
	l.Store("b")
	l.Store("c")

	var out []string
	newest := l.Oldest()
	for newest.Newer() != nil {
		newest = newest.Newer()
	}
	for e := newest; e != nil; e = e.Older() {
		out = append(out, e.Value)
	}
	assert.Equal(t, []string{"c", "b", "a"}, out)
}
