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

// WriteLEB writes len(dat) bytes at offset within logical eraseblock
// lnum of a dynamic volume.  Offset and length must be aligned to
// the write granularity.
//
// An unmapped eraseblock is mapped by the write (a zero-length write
// maps it header-only).  A write into a consolidated slot first
// copies the eraseblock back out to a whole physical eraseblock.  A
// medium defect during the write triggers recovery onto a fresh
// eraseblock; persistent or non-medium failures latch the device
// read-only.
func (vol *Volume) WriteLEB(ctx context.Context, lnum ubiprim.LEBNum, dat []byte, offset int) error {
	if vol.dev.ro.Load() {
		return ErrReadOnly
	}
	if vol.cfg.Type != ubivid.Dynamic {
		return fmt.Errorf("eba: %v: WriteLEB is only for dynamic volumes", vol.cfg.ID)
	}
	if err := vol.checkLEB(lnum); err != nil {
		return err
	}
	if err := vol.checkIO(offset, len(dat), true); err != nil {
		return err
	}

	lk := vol.dev.ltree.lockWrite(vol.key(lnum))
	defer lk.release()

	ld := vol.ldesc(lnum)
	if ld.Mapped() && ld.LPos >= 0 && len(dat) > 0 {
		if err := vol.unconsolidate(ctx, &ld, offset); err != nil {
			return err
		}
	}
	if ld.Mapped() {
		if len(dat) == 0 {
			return nil
		}
		dlog.Debugf(ctx, "eba: write %v bytes at offset %v of %v %v, %v",
			len(dat), offset, vol.cfg.ID, lnum, ld.PNum)
		err := vol.writeData(ctx, ld, dat, offset)
		if err == nil {
			vol.ebaMu.Lock()
			vol.markOpenLocked(lnum)
			vol.ebaMu.Unlock()
			return nil
		}
		if !isMedium(err) {
			vol.dev.toReadOnly(ctx, "%v: writing %v bytes at offset %v failed: %v",
				ld.PNum, len(dat), offset, err)
			return err
		}
		dlog.Warnf(ctx, "eba: failed to write data to %v, recovering %v %v: %v",
			ld.PNum, vol.cfg.ID, lnum, err)
		if err := vol.recoverPEB(ctx, ld, dat, offset); err != nil {
			vol.dev.toReadOnly(ctx, "could not recover %v %v from a failed write: %v",
				vol.cfg.ID, lnum, err)
			return err
		}
		return nil
	}

	// Unmapped; map on write.
	hdr := ubivid.Header{
		VolType: ubivid.Dynamic,
		VolID:   vol.cfg.ID,
		LNum:    lnum,
	}
	pnum, err := vol.writeFresh(ctx, hdr, dat, offset)
	if err != nil {
		return err
	}
	vol.ebaMu.Lock()
	vol.setPlainLocked(lnum, pnum)
	vol.markOpenLocked(lnum)
	vol.ebaMu.Unlock()
	return nil
}

// WriteStaticLEB writes one whole logical eraseblock of a static
// volume.  Static eraseblocks are write-once; the header stamps the
// payload size, its CRC, and the volume's used-eraseblock count so
// that reads can be verified.  len(dat) may be unaligned only on the
// last used eraseblock; the written block is padded with 0xFF.
func (vol *Volume) WriteStaticLEB(ctx context.Context, lnum ubiprim.LEBNum, dat []byte) error {
	if vol.dev.ro.Load() {
		return ErrReadOnly
	}
	if vol.cfg.Type != ubivid.Static {
		return fmt.Errorf("eba: %v: WriteStaticLEB is only for static volumes", vol.cfg.ID)
	}
	if err := vol.checkLEB(lnum); err != nil {
		return err
	}
	if int(lnum) >= vol.cfg.UsedEBs {
		return fmt.Errorf("eba: %v: %v is beyond the payload of %v used eraseblocks",
			vol.cfg.ID, lnum, vol.cfg.UsedEBs)
	}
	if len(dat) < 1 || len(dat) > vol.dev.lebSize {
		return fmt.Errorf("eba: %v: bad payload size %v", vol.cfg.ID, len(dat))
	}
	alignedLen := alignUp(len(dat), vol.dev.geo.MinIOSize)
	if alignedLen != len(dat) && int(lnum) != vol.cfg.UsedEBs-1 {
		return fmt.Errorf("eba: %v: only the last used eraseblock may hold an unaligned payload",
			vol.cfg.ID)
	}

	lk := vol.dev.ltree.lockWrite(vol.key(lnum))
	defer lk.release()

	if vol.ldesc(lnum).Mapped() {
		return fmt.Errorf("eba: %v %v is already written (static eraseblocks are write-once)",
			vol.cfg.ID, lnum)
	}

	hdr := ubivid.Header{
		VolType:  ubivid.Static,
		VolID:    vol.cfg.ID,
		LNum:     lnum,
		DataSize: uint32(len(dat)),
		UsedEBs:  uint32(vol.cfg.UsedEBs),
		DataCRC:  ubivid.CRC32(dat),
	}
	buf := dat
	if alignedLen != len(dat) {
		buf = make([]byte, alignedLen)
		for i := copy(buf, dat); i < alignedLen; i++ {
			buf[i] = 0xFF
		}
	}
	pnum, err := vol.writeFresh(ctx, hdr, buf, 0)
	if err != nil {
		return err
	}
	vol.ebaMu.Lock()
	vol.setPlainLocked(lnum, pnum)
	vol.markOpenLocked(lnum)
	vol.ebaMu.Unlock()
	return nil
}

// AtomicChangeLEB replaces the whole contents of lnum: the new
// payload is written to a fresh physical eraseblock before the old
// one is let go, so a power cut leaves either the old or the new
// contents, never a mix.  A zero-length change wipes the eraseblock
// but leaves it mapped.
func (vol *Volume) AtomicChangeLEB(ctx context.Context, lnum ubiprim.LEBNum, dat []byte) error {
	if vol.dev.ro.Load() {
		return ErrReadOnly
	}
	if vol.cfg.Type != ubivid.Dynamic {
		return fmt.Errorf("eba: %v: AtomicChangeLEB is only for dynamic volumes", vol.cfg.ID)
	}
	if err := vol.checkLEB(lnum); err != nil {
		return err
	}
	if err := vol.checkIO(0, len(dat), true); err != nil {
		return err
	}
	vol.alcMu.Lock()
	defer vol.alcMu.Unlock()

	if len(dat) == 0 {
		if err := vol.UnmapLEB(ctx, lnum); err != nil {
			return err
		}
		return vol.WriteLEB(ctx, lnum, nil, 0)
	}

	lk := vol.dev.ltree.lockWrite(vol.key(lnum))
	defer lk.release()

	dlog.Debugf(ctx, "eba: atomically change %v bytes of %v %v", len(dat), vol.cfg.ID, lnum)
	hdr := ubivid.Header{
		VolType:  ubivid.Dynamic,
		CopyFlag: true,
		VolID:    vol.cfg.ID,
		LNum:     lnum,
		DataSize: uint32(len(dat)),
		DataCRC:  ubivid.CRC32(dat),
	}
	pnum, err := vol.writeFresh(ctx, hdr, dat, 0)
	if err != nil {
		return err
	}

	vol.ebaMu.Lock()
	release := vol.invalidateLocked(lnum, false)
	vol.setPlainLocked(lnum, pnum)
	vol.markOpenLocked(lnum)
	vol.ebaMu.Unlock()
	if release.Mapped() {
		vol.putPEB(ctx, release, false)
	}
	return nil
}

// UnmapLEB drops lnum's mapping.  Unmapping an unmapped eraseblock
// is a no-op.  The backing physical eraseblock goes back to the
// allocator once no other logical eraseblock shares it.
func (vol *Volume) UnmapLEB(ctx context.Context, lnum ubiprim.LEBNum) error {
	if vol.dev.ro.Load() {
		return ErrReadOnly
	}
	if err := vol.checkLEB(lnum); err != nil {
		return err
	}

	lk := vol.dev.ltree.lockWrite(vol.key(lnum))
	defer lk.release()

	vol.ebaMu.Lock()
	release := vol.invalidateLocked(lnum, false)
	vol.ebaMu.Unlock()
	if !release.Mapped() {
		return nil
	}
	dlog.Debugf(ctx, "eba: unmap %v %v, freeing %v", vol.cfg.ID, lnum, release)
	return vol.putPEB(ctx, release, false)
}

// writeFresh stamps hdr with a fresh sequence number and writes it
// plus dat (at offset within the payload slot) onto a freshly
// allocated physical eraseblock, retrying medium defects on further
// fresh eraseblocks up to the retry bound.  Failures other than
// allocator exhaustion latch the device read-only.
func (vol *Volume) writeFresh(ctx context.Context, hdr ubivid.Header, dat []byte, offset int) (ubiprim.PEBNum, error) {
	dev := vol.dev
	for tries := 0; ; tries++ {
		pnum, err := vol.getPEB(ctx)
		if err != nil {
			return ubiprim.NoPEB, err
		}
		hdr.SeqNum = dev.nextSeq()
		err = dev.writeHeaderBlock(ctx, pnum, 0, []ubivid.Header{hdr})
		if err == nil && len(dat) > 0 {
			ld := LEBDesc{VolID: vol.cfg.ID, LNum: hdr.LNum, PNum: pnum, LPos: -1}
			err = vol.writeData(ctx, ld, dat, offset)
		}
		if err == nil {
			return pnum, nil
		}

		medium := isMedium(err)
		vol.putPEB(ctx, pnum, medium)
		if !medium {
			dev.toReadOnly(ctx, "%v: writing %v %v failed: %v", pnum, vol.cfg.ID, hdr.LNum, err)
			return ubiprim.NoPEB, err
		}
		if tries+1 >= dev.opts.RetryBound {
			dev.toReadOnly(ctx, "gave up writing %v %v after %v eraseblocks: %v",
				vol.cfg.ID, hdr.LNum, tries+1, err)
			return ubiprim.NoPEB, err
		}
		dlog.Warnf(ctx, "eba: failed to write to %v, trying another eraseblock: %v", pnum, err)
	}
}

// unconsolidate moves ld out of its consolidated slot onto a whole
// physical eraseblock of its own, updating ld, so that an in-place
// write at `offset` can follow.  Eraseblocks are written
// append-only, so only the prefix before the incoming write carries
// data worth splicing over; the pages from offset on stay erased for
// the write to land in.
func (vol *Volume) unconsolidate(ctx context.Context, ld *LEBDesc, offset int) error {
	dev := vol.dev
	dlog.Debugf(ctx, "eba: un-consolidating %v %v out of %v slot %v",
		vol.cfg.ID, ld.LNum, ld.PNum, ld.LPos)

	dev.bufMu.Lock()
	defer dev.bufMu.Unlock()
	buf := dev.pebBuf[:offset]
	if offset > 0 {
		if err := vol.readData(ctx, *ld, buf, 0); err != nil && !isBitflip(err) {
			return readErr(err)
		}
	}
	hdr := ubivid.Header{
		VolType:  vol.cfg.Type,
		CopyFlag: true,
		VolID:    vol.cfg.ID,
		LNum:     ld.LNum,
		DataSize: uint32(len(buf)),
		DataCRC:  ubivid.CRC32(buf),
	}
	pnum, err := vol.writeFresh(ctx, hdr, buf, 0)
	if err != nil {
		return err
	}

	vol.ebaMu.Lock()
	release := vol.invalidateLocked(ld.LNum, false)
	vol.setPlainLocked(ld.LNum, pnum)
	vol.markOpenLocked(ld.LNum)
	vol.ebaMu.Unlock()
	if release.Mapped() {
		vol.putPEB(ctx, release, false)
	}
	*ld = LEBDesc{VolID: vol.cfg.ID, LNum: ld.LNum, PNum: pnum, LPos: -1}
	return nil
}
