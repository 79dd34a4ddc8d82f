// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
	"git.lukeshu.com/ubiblk/lib/ubi/ubivid"
)

// recoverPEB rescues lnum after an in-place write hit a medium
// defect on ld.PNum: the surviving prefix of the old eraseblock plus
// the data that failed to land are spliced together onto a fresh
// physical eraseblock, and the defective one is sent back for
// torture-testing.  Medium defects on the fresh eraseblock are
// retried up to the retry bound; any other failure aborts
// immediately (the caller latches read-only).
//
// Called with the eraseblock write-locked.
func (vol *Volume) recoverPEB(ctx context.Context, ld LEBDesc, dat []byte, offset int) error {
	dev := vol.dev
	if ld.LPos >= 0 {
		// In-place writes only ever target whole-unit
		// mappings; a consolidated slot here means the table
		// is lying to us.
		return fmt.Errorf("%w: recovering %v %v from consolidated %v slot %v",
			ErrInternal, vol.cfg.ID, ld.LNum, ld.PNum, ld.LPos)
	}

	hdr, _, err := vol.readHeader(ctx, ld)
	if err != nil {
		return readErr(err)
	}

	for tries := 0; ; tries++ {
		// The defective eraseblock is freed at the end, so the
		// fresh one comes straight from the allocator rather
		// than the volume's quota.
		newPnum, err := dev.alloc.Allocate(ctx)
		if err != nil {
			return err
		}
		hdr.SeqNum = dev.nextSeq()

		err = dev.writeHeaderBlock(ctx, newPnum, 0, []ubivid.Header{hdr})
		if err == nil {
			err = vol.spliceData(ctx, ld, newPnum, dat, offset)
		}
		if err == nil {
			vol.ebaMu.Lock()
			vol.setPlainLocked(ld.LNum, newPnum)
			vol.markOpenLocked(ld.LNum)
			vol.ebaMu.Unlock()
			if err := dev.alloc.Release(ctx, ld.PNum, true); err != nil {
				dlog.Warnf(ctx, "eba: failed to release defective %v: %v", ld.PNum, err)
			}
			dlog.Infof(ctx, "eba: recovered %v %v from %v onto %v",
				vol.cfg.ID, ld.LNum, ld.PNum, newPnum)
			return nil
		}

		medium := isMedium(err)
		if relErr := dev.alloc.Release(ctx, newPnum, medium); relErr != nil {
			dlog.Warnf(ctx, "eba: failed to release %v: %v", newPnum, relErr)
		}
		if !medium || tries+1 >= dev.opts.RetryBound {
			return err
		}
		dlog.Warnf(ctx, "eba: failed to recover onto %v, trying another eraseblock: %v",
			newPnum, err)
	}
}

// spliceData writes [old prefix up to offset | dat] onto newPnum.
func (vol *Volume) spliceData(ctx context.Context, old LEBDesc, newPnum ubiprim.PEBNum, dat []byte, offset int) error {
	dev := vol.dev
	dev.bufMu.Lock()
	defer dev.bufMu.Unlock()
	buf := dev.pebBuf[:offset+len(dat)]
	if offset > 0 {
		if err := vol.readData(ctx, old, buf[:offset], 0); err != nil && !isBitflip(err) {
			return readErr(err)
		}
	}
	copy(buf[offset:], dat)
	newLd := LEBDesc{VolID: vol.cfg.ID, LNum: old.LNum, PNum: newPnum, LPos: -1}
	return vol.writeData(ctx, newLd, buf, 0)
}
