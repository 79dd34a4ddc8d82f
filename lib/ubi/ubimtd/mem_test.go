// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubimtd

import (
	"bytes"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

func testGeometry() Geometry {
	return Geometry{PEBCount: 4, PEBSize: 2048, MinIOSize: 256, GroupSize: 1}
}

func TestMemMedia(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, err := NewMemMedia(testGeometry())
	require.NoError(t, err)

	// Fresh media reads as erased.
	got := make([]byte, 256)
	require.NoError(t, m.Read(ctx, 0, 0, got))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 256), got)

	want := bytes.Repeat([]byte{0x5A}, 512)
	require.NoError(t, m.Write(ctx, 0, 256, want))
	got = make([]byte, 512)
	require.NoError(t, m.Read(ctx, 0, 256, got))
	assert.Equal(t, want, got)

	require.NoError(t, m.Erase(ctx, 0))
	require.NoError(t, m.Read(ctx, 0, 256, got))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 512), got)

	// Writes must respect the write granularity and the
	// eraseblock bounds.
	assert.Error(t, m.Write(ctx, 0, 100, want))
	assert.Error(t, m.Write(ctx, 0, 0, want[:100]))
	assert.Error(t, m.Write(ctx, 9, 0, want))
	assert.Error(t, m.Read(ctx, 0, 2048-256, got))
}

func TestMemMediaFaults(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, err := NewMemMedia(testGeometry())
	require.NoError(t, err)

	dat := bytes.Repeat([]byte{0x77}, 256)
	require.NoError(t, m.Write(ctx, 1, 0, dat))

	m.FlipBits(1, 1)
	got := make([]byte, 256)
	err = m.Read(ctx, 1, 0, got)
	assert.ErrorIs(t, err, ErrBitflip)
	assert.Equal(t, dat, got, "a bitflip read still returns the data")
	require.NoError(t, m.Read(ctx, 1, 0, got), "the flip is one-shot")

	m.CorruptECC(1)
	assert.ErrorIs(t, m.Read(ctx, 1, 0, got), ErrECC)
	require.NoError(t, m.Erase(ctx, 1))
	require.NoError(t, m.Read(ctx, 1, 0, got), "erasing clears the ECC fault")

	m.FailWrites(2, 2)
	assert.ErrorIs(t, m.Write(ctx, 2, 0, dat), ErrBadEraseBlock)
	assert.ErrorIs(t, m.Write(ctx, 2, 0, dat), ErrBadEraseBlock)
	require.NoError(t, m.Write(ctx, 2, 0, dat))

	m.BreakWrites(3, 1)
	err = m.Write(ctx, 3, 0, dat)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadEraseBlock, "a broken write is not a medium defect")
	require.NoError(t, m.Write(ctx, 3, 0, dat))
}

func TestMemAllocator(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, err := NewMemMedia(testGeometry())
	require.NoError(t, err)
	a := NewMemAllocator(m)
	require.Equal(t, 4, a.FreeCount())

	// Drain the pool.
	for i := 0; i < 4; i++ {
		pnum, err := a.Allocate(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, i, pnum)
	}
	_, err = a.Allocate(ctx)
	assert.ErrorIs(t, err, ErrExhausted)

	// A released eraseblock comes back erased.
	require.NoError(t, m.Write(ctx, 0, 0, bytes.Repeat([]byte{0x00}, 256)))
	require.NoError(t, a.Release(ctx, 0, false))
	assert.Equal(t, 1, a.FreeCount())
	got := make([]byte, 256)
	require.NoError(t, m.Read(ctx, 0, 0, got))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 256), got)

	// A tortured eraseblock is retired instead.
	require.NoError(t, a.Release(ctx, 1, true))
	assert.Equal(t, 1, a.FreeCount())
	assert.Contains(t, a.Retired(), ubiprim.PEBNum(1))
}
