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

// ReadLEB reads len(dat) bytes at offset within logical eraseblock
// lnum.
//
// An unmapped eraseblock of a dynamic volume reads as all-0xFF; on a
// static volume it means the payload is gone and the read fails.
//
// Static-volume reads are verified against the header (size and
// payload CRC), which requires reading the whole payload: offset
// must be 0 and len(dat) must be the stored data size.  Reads beyond
// the volume's used eraseblocks are refused.  Corrected bitflips
// succeed but schedule the physical eraseblock for scrubbing.
func (vol *Volume) ReadLEB(ctx context.Context, lnum ubiprim.LEBNum, dat []byte, offset int) error {
	if err := vol.checkLEB(lnum); err != nil {
		return err
	}
	if err := vol.checkIO(offset, len(dat), false); err != nil {
		return err
	}
	check := vol.cfg.Type == ubivid.Static
	if check && int(lnum) >= vol.cfg.UsedEBs {
		return fmt.Errorf("eba: %v: %v is beyond the payload of %v used eraseblocks",
			vol.cfg.ID, lnum, vol.cfg.UsedEBs)
	}

	lk := vol.dev.ltree.lockRead(vol.key(lnum))
	defer lk.release()

	ld := vol.ldesc(lnum)
	if !ld.Mapped() {
		if check {
			// A static volume's payload spans every one of
			// its used eraseblocks; an unmapped one means
			// the table lost data.
			vol.dev.toReadOnly(ctx, "%v %v is unmapped on a static volume", vol.cfg.ID, lnum)
			return fmt.Errorf("%w: %v %v is unmapped on a static volume",
				ErrInternal, vol.cfg.ID, lnum)
		}
		dlog.Debugf(ctx, "eba: read %v bytes from offset %v of %v %v (unmapped)",
			len(dat), offset, vol.cfg.ID, lnum)
		for i := range dat {
			dat[i] = 0xFF
		}
		return nil
	}
	dlog.Debugf(ctx, "eba: read %v bytes from offset %v of %v %v, %v(slot %v)",
		len(dat), offset, vol.cfg.ID, lnum, ld.PNum, ld.LPos)

	scrub := false
	var hdr ubivid.Header
	if check {
		var hdrScrub bool
		var err error
		hdr, hdrScrub, err = vol.readHeader(ctx, ld)
		if err != nil {
			return readErr(err)
		}
		scrub = scrub || hdrScrub
		if offset != 0 || len(dat) != int(hdr.DataSize) {
			return fmt.Errorf("eba: %v %v: checked read must cover the stored payload of %v bytes",
				vol.cfg.ID, lnum, hdr.DataSize)
		}
	}

	if err := vol.readData(ctx, ld, dat, offset); err != nil {
		if !isBitflip(err) {
			return readErr(err)
		}
		scrub = true
	}

	if check {
		if crc := ubivid.CRC32(dat); crc != hdr.DataCRC {
			dlog.Warnf(ctx, "eba: %v %v on %v: CRC mismatch: calculated 0x%08x, stored 0x%08x",
				vol.cfg.ID, lnum, ld.PNum, crc, hdr.DataCRC)
			return fmt.Errorf("%w: %v %v payload CRC mismatch", ErrDataCorruption, vol.cfg.ID, lnum)
		}
	}

	if scrub {
		vol.dev.scrub.request(ctx, ld.PNum)
	}
	return nil
}

// readErr folds media- and codec-level read failures into the error
// taxonomy: garbage on the media is ErrDataCorruption, everything
// else passes through as an I/O failure.
func readErr(err error) error {
	if isECC(err) || errorsIsAny(err, ubivid.ErrBadHeader, ubivid.ErrNoHeader) {
		return fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	return err
}
