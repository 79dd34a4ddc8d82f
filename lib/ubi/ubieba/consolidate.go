// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ubiblk/lib/slices"
	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
	"git.lukeshu.com/ubiblk/lib/ubi/ubivid"
)

// consoState is one in-flight consolidation cycle.  Guarded by the
// volume's ebaMu; the cycle itself is driven by a single goroutine
// holding consoMu.
type consoState struct {
	// cpeb is the target under construction; nil between cycles.
	cpeb *consolidatedPEB
	// lpos is the slot currently being filled, -1 before the
	// first source is selected.
	lpos int
	// loffset is how many bytes of slot lpos are copied.
	loffset int
	// cancelled is set by anyone who touches a participant; the
	// cycle notices at the next chunk boundary, and checks one
	// final time holding every participant's write lock before
	// committing.
	cancelled bool
}

// stopConsolidationLocked cancels the in-flight cycle if lnum is one
// of its participants.
func (vol *Volume) stopConsolidationLocked(lnum ubiprim.LEBNum) {
	st := &vol.conso
	if st.cpeb == nil || st.cancelled {
		return
	}
	if slices.Contains(lnum, st.cpeb.lnums) {
		st.cancelled = true
	}
}

// threshold is the free-eraseblock level at or below which
// consolidation is worth scheduling.
func (vol *Volume) threshold() int {
	if t := vol.dev.opts.ConsolidationThreshold; t > 0 {
		return t
	}
	return slices.Max(vol.cfg.ReservedPEBs/3, vol.dev.geo.GroupSize)
}

// consolidationPossibleLocked reports whether a full target could be
// assembled right now: enough live, whole-or-dirty-slotted
// eraseblocks to fill every slot.
func (vol *Volume) consolidationPossibleLocked() bool {
	if vol.dev.geo.GroupSize < 2 {
		return false
	}
	cnt := vol.tbl.open.Len()
	for i := range vol.tbl.dirty {
		cnt += vol.tbl.dirty[i].Len() * (i + 1)
	}
	return cnt >= vol.dev.geo.GroupSize
}

func (vol *Volume) consolidationNeededLocked() bool {
	return vol.consolidationPossibleLocked() && vol.tbl.freePEBs <= vol.threshold()
}

// ConsolidationNeeded reports whether the volume is short enough on
// free eraseblocks for a consolidation cycle to be worthwhile (and
// possible).
func (vol *Volume) ConsolidationNeeded() bool {
	vol.ebaMu.Lock()
	defer vol.ebaMu.Unlock()
	return vol.consolidationNeededLocked()
}

// selectSourceLocked picks the next source eraseblock for the target
// under construction: live slots of the dirtiest consolidated blocks
// first, then plainly-mapped eraseblocks, oldest write first.
// Participants already chosen for the target are skipped.
func (vol *Volume) selectSourceLocked() (ubiprim.LEBNum, bool) {
	taken := vol.conso.cpeb.lnums
	for i := range vol.tbl.dirty {
		for e := vol.tbl.dirty[i].Oldest(); e != nil; e = e.Newer() {
			for _, lnum := range e.Value.lnums {
				if lnum != ubiprim.NoLEB && !slices.Contains(lnum, taken) {
					return lnum, true
				}
			}
		}
	}
	for e := vol.tbl.open.Oldest(); e != nil; e = e.Newer() {
		if !slices.Contains(e.Value, taken) {
			return e.Value, true
		}
	}
	return ubiprim.NoLEB, false
}

// Consolidate runs at most one consolidation cycle: it packs
// GroupSize logical eraseblocks into one fresh physical eraseblock
// and retires their old homes.  committed reports whether the table
// actually flipped; a cycle that gets cancelled (by concurrent
// writes to a participant, lock contention, or losing its
// candidates) is not an error, the freed state is simply as before.
//
// Nothing is committed until every participant's write lock is held
// and no cancellation came in; consolidation failures never latch
// the device read-only.
func (vol *Volume) Consolidate(ctx context.Context) (committed bool, err error) {
	if vol.dev.ro.Load() {
		return false, ErrReadOnly
	}
	vol.consoMu.Lock()
	defer vol.consoMu.Unlock()

	if err := vol.consolidateStart(ctx); err != nil || vol.conso.cpeb == nil {
		return false, err
	}
	// A cancelled copy phase tears the cycle down and leaves
	// conso.cpeb nil; that is "not committed", not an error.
	if err := vol.consolidateCopy(ctx); err != nil || vol.conso.cpeb == nil {
		return false, err
	}
	return vol.consolidateFinish(ctx)
}

// consolidateStart allocates the target and marks it with a
// provisional header so that an interrupted cycle is recognizable on
// the media.  On return either conso.cpeb is set or consolidation is
// not possible right now.
func (vol *Volume) consolidateStart(ctx context.Context) error {
	dev := vol.dev

	vol.ebaMu.Lock()
	possible := vol.consolidationPossibleLocked()
	vol.ebaMu.Unlock()
	if !possible {
		return nil
	}

	// The target is not taken out of the volume's quota: the
	// cycle as a whole frees eraseblocks, and charges the quota
	// for the target only when it commits.
	pnum, err := dev.alloc.Allocate(ctx)
	if err != nil {
		return err
	}
	marker := ubivid.Header{
		VolType: vol.cfg.Type,
		VolID:   vol.cfg.ID,
		LNum:    ubiprim.NoLEB,
		Flags:   ubivid.FlagConsolidated,
		SeqNum:  dev.nextSeq(),
	}
	if err := dev.writeHeaderBlock(ctx, pnum, 0, []ubivid.Header{marker}); err != nil {
		if relErr := dev.alloc.Release(ctx, pnum, isMedium(err)); relErr != nil {
			dlog.Warnf(ctx, "eba: failed to release %v: %v", pnum, relErr)
		}
		return err
	}

	cpeb := &consolidatedPEB{
		pnum:  pnum,
		lnums: make([]ubiprim.LEBNum, dev.geo.GroupSize),
	}
	for i := range cpeb.lnums {
		cpeb.lnums[i] = ubiprim.NoLEB
	}
	dlog.Debugf(ctx, "eba: %v: consolidating onto %v", vol.cfg.ID, pnum)

	vol.ebaMu.Lock()
	vol.conso = consoState{cpeb: cpeb, lpos: -1, loffset: dev.lebSize}
	vol.ebaMu.Unlock()
	return nil
}

// consolidateCopy streams the participants' payloads into the
// target, one minimum-write chunk at a time, holding each source's
// read lock only for the chunk.  Contention or concurrent
// modification cancels the cycle rather than stalling anyone.
func (vol *Volume) consolidateCopy(ctx context.Context) error {
	dev := vol.dev
	st := &vol.conso
	chunk := make([]byte, dev.geo.MinIOSize)

	for {
		vol.ebaMu.Lock()
		if st.cancelled {
			vol.ebaMu.Unlock()
			return vol.consolidateCancel(ctx, "a participant changed")
		}
		if st.loffset == dev.lebSize {
			if st.lpos == dev.geo.GroupSize-1 {
				vol.ebaMu.Unlock()
				return nil
			}
			lnum, ok := vol.selectSourceLocked()
			if !ok {
				vol.ebaMu.Unlock()
				return vol.consolidateCancel(ctx, "ran out of candidates")
			}
			st.lpos++
			st.cpeb.lnums[st.lpos] = lnum
			st.loffset = 0
		}
		lnum := st.cpeb.lnums[st.lpos]
		lpos, loffset := st.lpos, st.loffset
		srcLd := vol.ldescLocked(lnum)
		vol.ebaMu.Unlock()

		lk, ok := dev.ltree.tryLockRead(vol.key(lnum))
		if !ok {
			return vol.consolidateCancel(ctx, fmt.Sprintf("%v is busy", lnum))
		}
		err := dev.media.Read(ctx, srcLd.PNum, dev.dataOff(srcLd, loffset), chunk)
		lk.release()
		if err != nil && !isBitflip(err) {
			return vol.consolidateCancel(ctx, fmt.Sprintf("reading %v: %v", lnum, err))
		}

		dstOff := dev.hdrArea + lpos*dev.lebSize + loffset
		if err := dev.media.Write(ctx, st.cpeb.pnum, dstOff, chunk); err != nil {
			return vol.consolidateCancel(ctx, fmt.Sprintf("writing target %v: %v", st.cpeb.pnum, err))
		}

		vol.ebaMu.Lock()
		st.loffset += dev.geo.MinIOSize
		vol.ebaMu.Unlock()
	}
}

// consolidateFinish takes every participant's write lock, re-checks
// for cancellation, writes the final headers (plus a trailing
// duplicate if the geometry leaves room), and flips the table.
func (vol *Volume) consolidateFinish(ctx context.Context) (committed bool, err error) {
	dev := vol.dev
	cpeb := vol.conso.cpeb

	var locks []*lebLock
	defer func() {
		for _, lk := range locks {
			lk.release()
		}
	}()
	for _, lnum := range cpeb.lnums {
		lk, ok := dev.ltree.tryLockWrite(vol.key(lnum))
		if !ok {
			return false, vol.consolidateCancel(ctx, fmt.Sprintf("%v is busy at commit", lnum))
		}
		locks = append(locks, lk)
	}

	vol.ebaMu.Lock()
	cancelled := vol.conso.cancelled
	vol.ebaMu.Unlock()
	if cancelled {
		return false, vol.consolidateCancel(ctx, "a participant changed before commit")
	}

	// Final headers, one record per slot.  Static participants
	// keep their stored payload size and CRC so checked reads
	// keep working; every record gets a fresh sequence number so
	// the consolidated copies win over the old homes.
	hdrs := make([]ubivid.Header, len(cpeb.lnums))
	for i, lnum := range cpeb.lnums {
		hdr := ubivid.Header{
			VolType:  vol.cfg.Type,
			CopyFlag: true,
			VolID:    vol.cfg.ID,
			LNum:     lnum,
			Flags:    ubivid.FlagConsolidated,
			DataSize: uint32(dev.lebSize),
		}
		if vol.cfg.Type == ubivid.Static {
			old, _, err := vol.readHeader(ctx, vol.ldesc(lnum))
			if err != nil {
				return false, vol.consolidateCancel(ctx, fmt.Sprintf("reading %v's header: %v", lnum, err))
			}
			hdr.DataSize = old.DataSize
			hdr.DataCRC = old.DataCRC
			hdr.UsedEBs = old.UsedEBs
		}
		hdr.SeqNum = dev.nextSeq()
		hdrs[i] = hdr
	}
	if err := dev.writeHeaderBlock(ctx, cpeb.pnum, 0, hdrs); err != nil {
		return false, vol.consolidateCancel(ctx, fmt.Sprintf("writing headers to %v: %v", cpeb.pnum, err))
	}
	// A duplicate header block in the trailing pages, if the
	// slots left any.
	if dupOff := dev.geo.PEBSize - dev.hdrArea; dupOff >= dev.hdrArea+len(cpeb.lnums)*dev.lebSize {
		if err := dev.writeHeaderBlock(ctx, cpeb.pnum, dupOff, hdrs); err != nil {
			return false, vol.consolidateCancel(ctx, fmt.Sprintf("writing trailing headers to %v: %v", cpeb.pnum, err))
		}
	}

	// Commit.
	vol.ebaMu.Lock()
	var toRelease []ubiprim.PEBNum
	for _, lnum := range cpeb.lnums {
		if old := vol.invalidateLocked(lnum, true); old.Mapped() {
			toRelease = append(toRelease, old)
		}
		entry := &vol.tbl.entries[lnum]
		entry.cpeb = cpeb
		entry.pnum = ubiprim.NoPEB
	}
	vol.tbl.reclassifyCPEB(cpeb)
	vol.tbl.freePEBs--
	vol.conso = consoState{}
	vol.ebaMu.Unlock()

	var errs derror.MultiError
	for _, old := range toRelease {
		if err := vol.putPEB(ctx, old, false); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		dlog.Warnf(ctx, "eba: %v: failed to release retired eraseblocks: %v", vol.cfg.ID, errs)
	}
	dlog.Infof(ctx, "eba: %v: consolidated %v onto %v, freed %v eraseblocks",
		vol.cfg.ID, cpeb.lnums, cpeb.pnum, len(toRelease))
	return true, nil
}

// consolidateCancel unwinds the in-flight cycle: the target goes
// back to the allocator, the participants were never taken off their
// lists, and nothing on the media needs cleaning up (the target's
// provisional header marks it as abandoned).
func (vol *Volume) consolidateCancel(ctx context.Context, why string) error {
	vol.ebaMu.Lock()
	cpeb := vol.conso.cpeb
	vol.conso = consoState{}
	vol.ebaMu.Unlock()
	if cpeb == nil {
		return nil
	}
	dlog.Debugf(ctx, "eba: %v: consolidation cancelled: %v", vol.cfg.ID, why)
	if err := vol.dev.alloc.Release(ctx, cpeb.pnum, false); err != nil {
		dlog.Warnf(ctx, "eba: failed to release %v: %v", cpeb.pnum, err)
	}
	return nil
}

// TriggerConsolidation nudges the background consolidator; it is
// safe to call from anywhere, including while holding locks.
func (d *Device) TriggerConsolidation() {
	select {
	case d.consoKick <- struct{}{}:
	default:
	}
}

// RunConsolidator is the background worker: each time it is
// triggered it consolidates every volume that needs it, until the
// need goes away or a cycle stops making progress.  It returns when
// ctx is done.
func (d *Device) RunConsolidator(ctx context.Context) error {
	dlog.Infof(ctx, "eba: consolidator running")
	for {
		select {
		case <-ctx.Done():
			dlog.Infof(ctx, "eba: consolidator shutting down")
			return nil
		case <-d.consoKick:
		}
		for _, vol := range d.volumesSnapshot() {
			for vol.ConsolidationNeeded() {
				committed, err := vol.Consolidate(ctx)
				if err != nil {
					dlog.Warnf(ctx, "eba: %v: consolidation failed: %v", vol.cfg.ID, err)
					break
				}
				if !committed {
					break
				}
			}
		}
	}
}
