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

// CopyLEB moves a whole-unit mapping from one physical eraseblock to
// another on behalf of an external wear-leveling layer.  hdr is the
// header the caller read off `from`; it names the logical eraseblock
// being moved.
//
// The caller owns both physical eraseblocks throughout: `to` must be
// erased, and `from` is only read.  On success the mapping points at
// `to` and the caller may retire `from`.
//
// ErrCopyRetry means the eraseblock is locked by a concurrent
// operation and the move may simply be retried.  ErrCopyCanceled
// means the mapping is stale (the data moved or died on its own) and
// there is nothing to do.  ErrCopyTarget wraps failures writing
// `to`; the source is untouched and a different target may be
// picked.  Consolidated eraseblocks cannot be moved this way.
func (d *Device) CopyLEB(ctx context.Context, from, to ubiprim.PEBNum, hdr ubivid.Header) error {
	if d.ro.Load() {
		return ErrReadOnly
	}
	if hdr.Flags&ubivid.FlagConsolidated != 0 {
		return fmt.Errorf("%w: %v is consolidated", ErrCopyCanceled, from)
	}
	vol := d.lookupVolume(hdr.VolID)
	if vol == nil {
		return fmt.Errorf("%w: %v is gone", ErrCopyCanceled, hdr.VolID)
	}
	lnum := hdr.LNum
	if err := vol.checkLEB(lnum); err != nil {
		return fmt.Errorf("%w: %v", ErrCopyCanceled, err)
	}

	lk, ok := d.ltree.tryLockWrite(vol.key(lnum))
	if !ok {
		return fmt.Errorf("%w: %v %v", ErrCopyRetry, vol.cfg.ID, lnum)
	}
	defer lk.release()

	ld := vol.ldesc(lnum)
	if ld.PNum != from || ld.LPos >= 0 {
		return fmt.Errorf("%w: %v %v no longer lives on %v", ErrCopyCanceled, vol.cfg.ID, lnum, from)
	}
	dlog.Debugf(ctx, "eba: copy %v %v from %v to %v", vol.cfg.ID, lnum, from, to)

	d.bufMu.Lock()
	defer d.bufMu.Unlock()

	// How much data to move: static eraseblocks say in their
	// header, dynamic ones get their trailing erased pages
	// trimmed off.
	aldata := d.lebSize
	if vol.cfg.Type == ubivid.Static {
		aldata = alignUp(int(hdr.DataSize), d.geo.MinIOSize)
	}
	buf := d.pebBuf[:aldata]
	if aldata > 0 {
		if err := vol.readData(ctx, ld, buf, 0); err != nil && !isBitflip(err) {
			return readErr(err)
		}
	}
	if vol.cfg.Type == ubivid.Dynamic {
		aldata = trimErased(buf, d.geo.MinIOSize)
		buf = buf[:aldata]
		hdr.DataSize = uint32(aldata)
		hdr.DataCRC = ubivid.CRC32(buf)
	}
	hdr.CopyFlag = true
	hdr.SeqNum = d.nextSeq()

	if err := d.writeHeaderBlock(ctx, to, 0, []ubivid.Header{hdr}); err != nil {
		return fmt.Errorf("%w: %v", ErrCopyTarget, err)
	}
	// Read the header straight back; a target that cannot hold it
	// must be caught before the table flips.
	newLd := LEBDesc{VolID: vol.cfg.ID, LNum: lnum, PNum: to, LPos: -1}
	if _, _, err := vol.readHeader(ctx, newLd); err != nil {
		return fmt.Errorf("%w: %v", ErrCopyTarget, err)
	}
	if aldata > 0 {
		if err := vol.writeData(ctx, newLd, buf, 0); err != nil {
			return fmt.Errorf("%w: %v", ErrCopyTarget, err)
		}
	}

	vol.ebaMu.Lock()
	vol.setPlainLocked(lnum, to)
	vol.markOpenLocked(lnum)
	vol.ebaMu.Unlock()
	return nil
}

// trimErased returns the length of buf with trailing all-0xFF pages
// dropped, in whole pages.
func trimErased(buf []byte, pageSize int) int {
	end := len(buf)
	for end > 0 {
		page := buf[end-pageSize : end]
		for _, b := range page {
			if b != 0xFF {
				return end
			}
		}
		end -= pageSize
	}
	return 0
}
