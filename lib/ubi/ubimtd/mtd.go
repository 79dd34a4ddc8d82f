// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ubimtd abstracts the two collaborators that the
// eraseblock-translation core sits between: the raw media (page I/O
// on physical eraseblocks) and the physical-eraseblock allocator
// (normally a wear-leveling layer).
package ubimtd

import (
	"context"
	"errors"
	"fmt"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

var (
	// ErrBitflip is returned by Media.Read when the data was
	// recovered by error correction; the returned bytes are valid,
	// but the eraseblock is decaying and should be scrubbed.
	ErrBitflip = errors.New("mtd: corrected bitflip")

	// ErrECC is returned by Media.Read when error correction
	// failed; the returned bytes are garbage.
	ErrECC = errors.New("mtd: uncorrectable ECC error")

	// ErrBadEraseBlock is returned by Media.Write and Media.Erase
	// when the physical eraseblock itself went bad (a medium
	// defect, as opposed to a transport or programming bug).
	ErrBadEraseBlock = errors.New("mtd: bad eraseblock")

	// ErrExhausted is returned by Allocator.Allocate when no free
	// physical eraseblock is available.
	ErrExhausted = errors.New("mtd: no free eraseblocks")
)

// Geometry describes the media to the translation core.
type Geometry struct {
	// PEBCount is how many physical eraseblocks the media has.
	PEBCount int
	// PEBSize is the size in bytes of one physical eraseblock.
	PEBSize int
	// MinIOSize is the minimum write granularity; all writes must
	// be aligned to it and sized in multiples of it.
	MinIOSize int
	// GroupSize is how many logical eraseblocks a consolidated
	// physical eraseblock carries.  1 means the media does not
	// support consolidation (SLC-style, one LEB per PEB).
	GroupSize int
}

func (g Geometry) Validate() error {
	if g.PEBCount < 1 || g.PEBSize < 1 || g.MinIOSize < 1 || g.GroupSize < 1 {
		return fmt.Errorf("mtd: non-positive geometry: %+v", g)
	}
	if g.PEBSize%g.MinIOSize != 0 {
		return fmt.Errorf("mtd: PEBSize=%v is not a multiple of MinIOSize=%v",
			g.PEBSize, g.MinIOSize)
	}
	return nil
}

// Media is raw access to the physical eraseblocks.
//
// Read may return ErrBitflip alongside valid data, or ErrECC with
// garbage data.  Write and Erase report medium defects as
// ErrBadEraseBlock; any other error is treated by callers as a fatal
// I/O failure.  The header area of an eraseblock may be programmed a
// second time without an intervening erase (the consolidation engine
// replaces its provisional header); media that cannot do that must
// emulate it.
type Media interface {
	Geometry() Geometry
	Read(ctx context.Context, pnum ubiprim.PEBNum, off int, dat []byte) error
	Write(ctx context.Context, pnum ubiprim.PEBNum, off int, dat []byte) error
	Erase(ctx context.Context, pnum ubiprim.PEBNum) error
}

// Allocator hands out erased physical eraseblocks and takes back
// retired ones.  It is normally a wear-leveling layer.
//
// Release with torture=true asks the allocator to verify the
// eraseblock before reusing it (it was implicated in a write
// failure).
type Allocator interface {
	Allocate(ctx context.Context) (ubiprim.PEBNum, error)
	Release(ctx context.Context, pnum ubiprim.PEBNum, torture bool) error
}
