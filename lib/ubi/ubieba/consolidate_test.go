// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/ubiblk/lib/ubi/ubimtd"
	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
	"git.lukeshu.com/ubiblk/lib/ubi/ubivid"
)

func groupGeometry() ubimtd.Geometry {
	return ubimtd.Geometry{
		PEBCount:  16,
		PEBSize:   4096,
		MinIOSize: 512,
		GroupSize: 4,
	}
}

// fillFour writes one full eraseblock of data to lnums 0..3, with a
// recognizable pattern per eraseblock.
func fillFour(t *testing.T, rig *testRig) {
	t.Helper()
	for lnum := ubiprim.LEBNum(0); lnum < 4; lnum++ {
		require.NoError(t, rig.vol.WriteLEB(rig.ctx, lnum, pat(0x10+byte(lnum), rig.dev.LEBSize()), 0))
	}
}

func assertReadsBack(t *testing.T, rig *testRig, lnum ubiprim.LEBNum, b byte) {
	t.Helper()
	got := make([]byte, rig.dev.LEBSize())
	require.NoError(t, rig.vol.ReadLEB(rig.ctx, lnum, got, 0))
	assert.Equal(t, pat(b, rig.dev.LEBSize()), got, "LEB %v", lnum)
}

func TestConsolidation(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)
	require.Equal(t, 12, rig.alloc.FreeCount())
	require.Equal(t, 4, rig.vol.FreeUnits())

	require.True(t, rig.vol.ConsolidationNeeded())
	committed, err := rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	require.True(t, committed)

	// Four eraseblocks of data now live in one physical
	// eraseblock; the four old homes went back to the allocator.
	assert.Equal(t, 15, rig.alloc.FreeCount())
	assert.Equal(t, 7, rig.vol.FreeUnits())

	// The move is invisible to readers.
	for lnum := ubiprim.LEBNum(0); lnum < 4; lnum++ {
		mapped, err := rig.vol.IsMapped(lnum)
		require.NoError(t, err)
		assert.True(t, mapped)
		assertReadsBack(t, rig, lnum, 0x10+byte(lnum))
	}

	// All four share one physical eraseblock, in write order.
	target := rig.vol.ldesc(0).PNum
	for lnum := ubiprim.LEBNum(0); lnum < 4; lnum++ {
		ld := rig.vol.ldesc(lnum)
		assert.Equal(t, target, ld.PNum)
		assert.Equal(t, int(lnum), ld.LPos)
		hdr := rig.hdrOf(t, lnum)
		assert.Equal(t, lnum, hdr.LNum)
		assert.NotZero(t, hdr.Flags&ubivid.FlagConsolidated)
	}

	// The trailing duplicate of the header block matches the real
	// one.
	raw := rig.media.PEBBytes(target)
	assert.Equal(t, raw[:4*ubivid.Size], raw[3584:3584+4*ubivid.Size])

	// Nothing left to consolidate.
	committed, err = rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestConsolidationCancelOnContention(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)
	free := rig.alloc.FreeCount()

	// Somebody is writing LEB 2; the cycle must cancel rather
	// than stall or commit around them.
	lk := rig.dev.ltree.lockWrite(rig.vol.key(2))
	committed, err := rig.vol.Consolidate(rig.ctx)
	lk.release()
	require.NoError(t, err)
	assert.False(t, committed)

	// Cancellation leaks nothing: the target went back, the
	// mappings are untouched, the registry is drained.
	assert.Equal(t, free, rig.alloc.FreeCount())
	assert.Zero(t, rig.dev.ltree.len())
	for lnum := ubiprim.LEBNum(0); lnum < 4; lnum++ {
		assert.Equal(t, -1, rig.vol.ldesc(lnum).LPos)
		assertReadsBack(t, rig, lnum, 0x10+byte(lnum))
	}

	// With the writer gone the next cycle goes through.
	committed, err = rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestConsolidationCancelledByParticipantChange(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)

	// Pose as an in-flight cycle that selected LEBs 0..3.
	rig.vol.ebaMu.Lock()
	rig.vol.conso = consoState{
		cpeb: &consolidatedPEB{pnum: 99, lnums: []ubiprim.LEBNum{0, 1, 2, 3}},
		lpos: 3,
	}
	rig.vol.ebaMu.Unlock()

	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 1))

	rig.vol.ebaMu.Lock()
	cancelled := rig.vol.conso.cancelled
	rig.vol.conso = consoState{}
	rig.vol.ebaMu.Unlock()
	assert.True(t, cancelled, "touching a participant must cancel the cycle")
}

func TestUnmapConsolidatedSlot(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)
	committed, err := rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	require.True(t, committed)
	free := rig.alloc.FreeCount()

	// Killing one slot keeps the block busy for the other three.
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 1))
	mapped, err := rig.vol.IsMapped(1)
	require.NoError(t, err)
	assert.False(t, mapped)
	assert.Equal(t, free, rig.alloc.FreeCount(), "a shared eraseblock must not be freed early")
	assert.Equal(t, 1, rig.vol.tbl.dirty[2].Len(), "three live slots -> dirty bucket 3")

	got := make([]byte, rig.dev.LEBSize())
	require.NoError(t, rig.vol.ReadLEB(rig.ctx, 1, got, 0))
	assert.Equal(t, pat(0xFF, rig.dev.LEBSize()), got)
	assertReadsBack(t, rig, 0, 0x10)
	assertReadsBack(t, rig, 2, 0x12)
	assertReadsBack(t, rig, 3, 0x13)

	// The last live slot's death frees the block.
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 0))
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 2))
	assert.Equal(t, free, rig.alloc.FreeCount())
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 3))
	assert.Equal(t, free+1, rig.alloc.FreeCount())
	for i := range rig.vol.tbl.dirty {
		assert.Zero(t, rig.vol.tbl.dirty[i].Len(), "dirty bucket %v", i)
	}
}

func TestWriteToConsolidatedSlot(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)
	committed, err := rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	require.True(t, committed)

	// An overwrite pulls the eraseblock back out into a whole
	// physical eraseblock of its own.
	require.NoError(t, rig.vol.WriteLEB(rig.ctx, 1, pat(0xEE, rig.dev.LEBSize()), 0))
	assert.Equal(t, -1, rig.vol.ldesc(1).LPos)
	assertReadsBack(t, rig, 1, 0xEE)

	// The vacated slot counts as dirt on the old block; its
	// siblings are untouched.
	assert.Equal(t, 1, rig.vol.tbl.dirty[2].Len())
	assertReadsBack(t, rig, 0, 0x10)
	assertReadsBack(t, rig, 2, 0x12)
	assertReadsBack(t, rig, 3, 0x13)
}

func TestConsolidationPrefersDirtySources(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)
	committed, err := rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	require.True(t, committed)
	oldTarget := rig.vol.ldesc(0).PNum

	// Leave the consolidated block mostly dead, and stock up on
	// fresh whole-unit eraseblocks.
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 1))
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 2))
	require.NoError(t, rig.vol.UnmapLEB(rig.ctx, 3))
	for lnum := ubiprim.LEBNum(4); lnum < 8; lnum++ {
		require.NoError(t, rig.vol.WriteLEB(rig.ctx, lnum, pat(0x10+byte(lnum), rig.dev.LEBSize()), 0))
	}

	committed, err = rig.vol.Consolidate(rig.ctx)
	require.NoError(t, err)
	require.True(t, committed)

	// The lone survivor of the dirty block went first, then the
	// oldest whole-unit eraseblocks; LEB 7 stayed behind.
	newCpeb := rig.vol.ldesc(0)
	assert.Equal(t, 0, newCpeb.LPos)
	assert.Equal(t, 1, rig.vol.ldesc(4).LPos)
	assert.Equal(t, 2, rig.vol.ldesc(5).LPos)
	assert.Equal(t, 3, rig.vol.ldesc(6).LPos)
	assert.Equal(t, -1, rig.vol.ldesc(7).LPos)

	// The drained dirty block was freed.
	assert.NotEqual(t, oldTarget, newCpeb.PNum)
	assertReadsBack(t, rig, 0, 0x10)
	for lnum := ubiprim.LEBNum(4); lnum < 8; lnum++ {
		assertReadsBack(t, rig, lnum, 0x10+byte(lnum))
	}
}

func TestConsolidatorWorker(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, groupGeometry(), dynamicCfg())
	fillFour(t, rig)

	ctx, cancel := context.WithCancel(rig.ctx)
	done := make(chan error, 1)
	go func() {
		done <- rig.dev.Run(ctx)
	}()

	rig.dev.TriggerConsolidation()
	assert.Eventually(t, func() bool {
		return rig.alloc.FreeCount() == 15
	}, 5*time.Second, 10*time.Millisecond, "the worker must consolidate the four eraseblocks")

	cancel()
	assert.NoError(t, <-done)

	for lnum := ubiprim.LEBNum(0); lnum < 4; lnum++ {
		assertReadsBack(t, rig, lnum, 0x10+byte(lnum))
	}
}
