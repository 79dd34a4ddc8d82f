// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRegistryExclusion(t *testing.T) {
	t.Parallel()
	var lt lockRegistry
	lt.init()
	k := lebKey{Vol: 1, LNum: 7}

	var inside, clashes int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lk := lt.lockWrite(k)
				if atomic.AddInt32(&inside, 1) != 1 {
					atomic.AddInt32(&clashes, 1)
				}
				time.Sleep(time.Microsecond)
				atomic.AddInt32(&inside, -1)
				lk.release()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, clashes)
	// Every holder released, so every entry is gone.
	assert.Zero(t, lt.len())
}

func TestLockRegistrySharedReaders(t *testing.T) {
	t.Parallel()
	var lt lockRegistry
	lt.init()
	k := lebKey{Vol: 3, LNum: 0}

	lk1 := lt.lockRead(k)
	lk2, ok := lt.tryLockRead(k)
	require.True(t, ok, "a second reader must get in")
	assert.Equal(t, 1, lt.len(), "both readers share one entry")

	// Writers are kept out, and a failed attempt must not leak a
	// reference.
	_, ok = lt.tryLockWrite(k)
	assert.False(t, ok)
	assert.Equal(t, 1, lt.len())

	lk1.release()
	lk1.release() // releasing twice is a no-op
	lk2.release()
	assert.Zero(t, lt.len())

	// With the readers gone the writer gets in.
	lk3, ok := lt.tryLockWrite(k)
	require.True(t, ok)
	lk3.release()
	assert.Zero(t, lt.len())
}

func TestLockRegistryIndependentKeys(t *testing.T) {
	t.Parallel()
	var lt lockRegistry
	lt.init()

	lk1 := lt.lockWrite(lebKey{Vol: 1, LNum: 1})
	lk2, ok := lt.tryLockWrite(lebKey{Vol: 1, LNum: 2})
	require.True(t, ok, "different eraseblocks must not contend")
	lk3, ok := lt.tryLockWrite(lebKey{Vol: 2, LNum: 1})
	require.True(t, ok, "different volumes must not contend")
	assert.Equal(t, 3, lt.len())
	lk1.release()
	lk2.release()
	lk3.release()
	assert.Zero(t, lt.len())
}

func TestSequenceNumbers(t *testing.T) {
	t.Parallel()
	var lt lockRegistry
	lt.init()

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := uint64(lt.nextSeq())
				mu.Lock()
				assert.False(t, seen[s], "sequence number reused")
				seen[s] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
