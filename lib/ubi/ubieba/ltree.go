// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"sync"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

type lebKey struct {
	Vol  ubiprim.VolumeID
	LNum ubiprim.LEBNum
}

// ltreeEntry is the lock for one logical eraseblock.  Entries exist
// only while someone holds or is waiting on the lock; users counts
// the holders and waiters, and the entry is removed from the
// registry when it drops to zero.
type ltreeEntry struct {
	users int
	mu    sync.RWMutex
}

// lockRegistry hands out per-LEB reader/writer locks on demand.  It
// also owns the device-global sequence counter, which is bumped
// under the same mutex that guards the registry.
type lockRegistry struct {
	mu      sync.Mutex
	entries map[lebKey]*ltreeEntry
	sqnum   ubiprim.SeqNum
}

func (lt *lockRegistry) init() {
	lt.entries = make(map[lebKey]*ltreeEntry)
}

// nextSeq returns a fresh, never-reused sequence number.
func (lt *lockRegistry) nextSeq() ubiprim.SeqNum {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.sqnum++
	return lt.sqnum
}

func (lt *lockRegistry) get(k lebKey) *ltreeEntry {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	le, ok := lt.entries[k]
	if !ok {
		le = new(ltreeEntry)
		lt.entries[k] = le
	}
	le.users++
	return le
}

func (lt *lockRegistry) put(k lebKey) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	le := lt.entries[k]
	le.users--
	if le.users == 0 {
		delete(lt.entries, k)
	}
}

// len returns how many eraseblocks currently have a registry entry.
func (lt *lockRegistry) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.entries)
}

// lebLock is a held lock on one logical eraseblock.  Releasing an
// already-released lebLock is a no-op.
type lebLock struct {
	lt       *lockRegistry
	le       *ltreeEntry
	key      lebKey
	write    bool
	released bool
}

func (lk *lebLock) release() {
	if lk.released {
		return
	}
	lk.released = true
	if lk.write {
		lk.le.mu.Unlock()
	} else {
		lk.le.mu.RUnlock()
	}
	lk.lt.put(lk.key)
}

func (lt *lockRegistry) lockRead(k lebKey) *lebLock {
	le := lt.get(k)
	le.mu.RLock()
	return &lebLock{lt: lt, le: le, key: k}
}

func (lt *lockRegistry) tryLockRead(k lebKey) (*lebLock, bool) {
	le := lt.get(k)
	if !le.mu.TryRLock() {
		lt.put(k)
		return nil, false
	}
	return &lebLock{lt: lt, le: le, key: k}, true
}

func (lt *lockRegistry) lockWrite(k lebKey) *lebLock {
	le := lt.get(k)
	le.mu.Lock()
	return &lebLock{lt: lt, le: le, key: k, write: true}
}

func (lt *lockRegistry) tryLockWrite(k lebKey) (*lebLock, bool) {
	le := lt.get(k)
	if !le.mu.TryLock() {
		lt.put(k)
		return nil, false
	}
	return &lebLock{lt: lt, le: le, key: k, write: true}, true
}
