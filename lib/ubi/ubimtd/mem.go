// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubimtd

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

// MemMedia is an in-memory Media, for tests.  Erased bytes read back
// as 0xFF.  Faults (write failures, bitflips, ECC errors) can be
// armed per-eraseblock.
type MemMedia struct {
	geo Geometry

	mu           sync.Mutex
	pebs         [][]byte
	failWrites   map[ubiprim.PEBNum]int
	brokenWrites map[ubiprim.PEBNum]int
	bitflips     map[ubiprim.PEBNum]int
	eccBad       map[ubiprim.PEBNum]bool
}

var _ Media = (*MemMedia)(nil)

func NewMemMedia(geo Geometry) (*MemMedia, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	m := &MemMedia{
		geo:          geo,
		pebs:         make([][]byte, geo.PEBCount),
		failWrites:   make(map[ubiprim.PEBNum]int),
		brokenWrites: make(map[ubiprim.PEBNum]int),
		bitflips:     make(map[ubiprim.PEBNum]int),
		eccBad:       make(map[ubiprim.PEBNum]bool),
	}
	for i := range m.pebs {
		m.pebs[i] = erasedPEB(geo.PEBSize)
	}
	return m, nil
}

func erasedPEB(size int) []byte {
	dat := make([]byte, size)
	for i := range dat {
		dat[i] = 0xFF
	}
	return dat
}

func (m *MemMedia) Geometry() Geometry { return m.geo }

func (m *MemMedia) checkRange(pnum ubiprim.PEBNum, off, length int) error {
	if pnum < 0 || int(pnum) >= m.geo.PEBCount {
		return fmt.Errorf("mtd: %v out of range [0,%v)", pnum, m.geo.PEBCount)
	}
	if off < 0 || off+length > m.geo.PEBSize {
		return fmt.Errorf("mtd: %v: range [%v,%v) outside eraseblock of size %v",
			pnum, off, off+length, m.geo.PEBSize)
	}
	return nil
}

func (m *MemMedia) Read(_ context.Context, pnum ubiprim.PEBNum, off int, dat []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRange(pnum, off, len(dat)); err != nil {
		return err
	}
	copy(dat, m.pebs[pnum][off:])
	if m.eccBad[pnum] {
		for i := range dat {
			dat[i] = 0xA5
		}
		return fmt.Errorf("%v: %w", pnum, ErrECC)
	}
	if n := m.bitflips[pnum]; n > 0 {
		m.bitflips[pnum] = n - 1
		return fmt.Errorf("%v: %w", pnum, ErrBitflip)
	}
	return nil
}

func (m *MemMedia) Write(_ context.Context, pnum ubiprim.PEBNum, off int, dat []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRange(pnum, off, len(dat)); err != nil {
		return err
	}
	if off%m.geo.MinIOSize != 0 || len(dat)%m.geo.MinIOSize != 0 {
		return fmt.Errorf("mtd: %v: unaligned write [%v,%v)", pnum, off, off+len(dat))
	}
	if n := m.failWrites[pnum]; n > 0 {
		m.failWrites[pnum] = n - 1
		return fmt.Errorf("%v: %w", pnum, ErrBadEraseBlock)
	}
	if n := m.brokenWrites[pnum]; n > 0 {
		m.brokenWrites[pnum] = n - 1
		return fmt.Errorf("mtd: %v: controller I/O error", pnum)
	}
	copy(m.pebs[pnum][off:], dat)
	return nil
}

func (m *MemMedia) Erase(_ context.Context, pnum ubiprim.PEBNum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRange(pnum, 0, 0); err != nil {
		return err
	}
	m.pebs[pnum] = erasedPEB(m.geo.PEBSize)
	delete(m.eccBad, pnum)
	delete(m.bitflips, pnum)
	return nil
}

// FailWrites arms the next n writes to pnum to fail with
// ErrBadEraseBlock.
func (m *MemMedia) FailWrites(pnum ubiprim.PEBNum, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites[pnum] = n
}

// BreakWrites arms the next n writes to pnum to fail with an error
// that is not a medium defect (a controller or transport failure).
func (m *MemMedia) BreakWrites(pnum ubiprim.PEBNum, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokenWrites[pnum] = n
}

// FlipBits arms the next n reads of pnum to succeed with ErrBitflip.
func (m *MemMedia) FlipBits(pnum ubiprim.PEBNum, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bitflips[pnum] = n
}

// CorruptECC makes reads of pnum fail with ErrECC until the
// eraseblock is erased.
func (m *MemMedia) CorruptECC(pnum ubiprim.PEBNum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eccBad[pnum] = true
}

// PEBBytes returns a copy of the raw contents of pnum.
func (m *MemMedia) PEBBytes(pnum ubiprim.PEBNum) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.pebs[pnum]...)
}

// MemAllocator is an in-memory Allocator, for tests.  Released
// eraseblocks are erased and returned to the free pool; tortured
// eraseblocks are retired instead.
type MemAllocator struct {
	media Media

	mu      sync.Mutex
	free    []ubiprim.PEBNum
	retired []ubiprim.PEBNum
}

var _ Allocator = (*MemAllocator)(nil)

// NewMemAllocator makes an allocator owning all of media's
// eraseblocks; they must all be erased.
func NewMemAllocator(media Media) *MemAllocator {
	a := &MemAllocator{media: media}
	for i := 0; i < media.Geometry().PEBCount; i++ {
		a.free = append(a.free, ubiprim.PEBNum(i))
	}
	return a
}

func (a *MemAllocator) Allocate(_ context.Context) (ubiprim.PEBNum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return ubiprim.NoPEB, ErrExhausted
	}
	pnum := a.free[0]
	a.free = a.free[1:]
	return pnum, nil
}

func (a *MemAllocator) Release(ctx context.Context, pnum ubiprim.PEBNum, torture bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if torture {
		a.retired = append(a.retired, pnum)
		return nil
	}
	if err := a.media.Erase(ctx, pnum); err != nil {
		a.retired = append(a.retired, pnum)
		return err
	}
	a.free = append(a.free, pnum)
	return nil
}

// FreeCount returns how many eraseblocks are in the free pool.
func (a *MemAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Retired returns the eraseblocks that were released with torture
// set, or whose erase failed.
func (a *MemAllocator) Retired() []ubiprim.PEBNum {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ubiprim.PEBNum(nil), a.retired...)
}
