// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"git.lukeshu.com/ubiblk/lib/containers"
	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

// LEBDesc says where a logical eraseblock's data lives right now.
type LEBDesc struct {
	VolID ubiprim.VolumeID
	LNum  ubiprim.LEBNum
	PNum  ubiprim.PEBNum
	// LPos is the slot within a consolidated physical eraseblock,
	// or -1 when the eraseblock owns PNum whole.
	LPos int
}

func (ld LEBDesc) Mapped() bool { return ld.PNum.Mapped() }

// consolidatedPEB is a physical eraseblock shared by up to GroupSize
// logical eraseblocks.  lnums[i] is the owner of slot i, or NoLEB if
// the slot's data is dead.  The block is returned to the allocator
// when the last live slot is invalidated.
type consolidatedPEB struct {
	pnum  ubiprim.PEBNum
	lnums []ubiprim.LEBNum

	classEntry *containers.LinkedListEntry[*consolidatedPEB]
	classList  *containers.LinkedList[*consolidatedPEB]
}

func (c *consolidatedPEB) validCount() int {
	cnt := 0
	for _, lnum := range c.lnums {
		if lnum != ubiprim.NoLEB {
			cnt++
		}
	}
	return cnt
}

func (c *consolidatedPEB) slotOf(lnum ubiprim.LEBNum) int {
	for i, l := range c.lnums {
		if l == lnum {
			return i
		}
	}
	return -1
}

type ebaEntry struct {
	// Exactly one of pnum/cpeb is live; pnum is NoPEB when the
	// eraseblock is unmapped or stored as a consolidated slot.
	pnum ubiprim.PEBNum
	cpeb *consolidatedPEB

	openEntry *containers.LinkedListEntry[ubiprim.LEBNum]
}

// ebaTable is one volume's logical-to-physical map plus the
// bookkeeping that feeds the consolidation engine: age-ordered
// classification lists and the free-eraseblock counter.
//
// All of it is guarded by the volume's ebaMu.
type ebaTable struct {
	entries []ebaEntry

	// open holds plainly-mapped eraseblocks, oldest write first.
	open containers.LinkedList[ubiprim.LEBNum]
	// clean holds consolidated blocks with every slot still live.
	clean containers.LinkedList[*consolidatedPEB]
	// dirty[v-1] holds consolidated blocks with v live slots.
	dirty []containers.LinkedList[*consolidatedPEB]

	freePEBs int
}

func newEBATable(lebs, groupSize, reserved int) *ebaTable {
	t := &ebaTable{
		entries:  make([]ebaEntry, lebs),
		dirty:    make([]containers.LinkedList[*consolidatedPEB], groupSize-1),
		freePEBs: reserved,
	}
	for i := range t.entries {
		t.entries[i].pnum = ubiprim.NoPEB
	}
	return t
}

func (vol *Volume) ldescLocked(lnum ubiprim.LEBNum) LEBDesc {
	ld := LEBDesc{
		VolID: vol.cfg.ID,
		LNum:  lnum,
		PNum:  ubiprim.NoPEB,
		LPos:  -1,
	}
	entry := &vol.tbl.entries[lnum]
	if entry.cpeb != nil {
		ld.PNum = entry.cpeb.pnum
		ld.LPos = entry.cpeb.slotOf(lnum)
	} else {
		ld.PNum = entry.pnum
	}
	return ld
}

func (vol *Volume) ldesc(lnum ubiprim.LEBNum) LEBDesc {
	vol.ebaMu.Lock()
	defer vol.ebaMu.Unlock()
	return vol.ldescLocked(lnum)
}

func (vol *Volume) setPlainLocked(lnum ubiprim.LEBNum, pnum ubiprim.PEBNum) {
	entry := &vol.tbl.entries[lnum]
	entry.pnum = pnum
	entry.cpeb = nil
}

// markOpenLocked records that lnum was just (re)written as a plain
// mapping, which makes it the freshest consolidation candidate and
// cancels any in-flight consolidation that was reading it.
func (vol *Volume) markOpenLocked(lnum ubiprim.LEBNum) {
	vol.stopConsolidationLocked(lnum)
	if vol.dev.geo.GroupSize < 2 {
		return
	}
	entry := &vol.tbl.entries[lnum]
	if entry.openEntry != nil {
		vol.tbl.open.MoveToNewest(entry.openEntry)
		return
	}
	entry.openEntry = vol.tbl.open.Store(lnum)
}

func (vol *Volume) unlistOpenLocked(lnum ubiprim.LEBNum) {
	entry := &vol.tbl.entries[lnum]
	if entry.openEntry != nil {
		vol.tbl.open.Delete(entry.openEntry)
		entry.openEntry = nil
	}
}

func (t *ebaTable) classListFor(c *consolidatedPEB) *containers.LinkedList[*consolidatedPEB] {
	switch v := c.validCount(); {
	case v == len(c.lnums):
		return &t.clean
	case v > 0:
		return &t.dirty[v-1]
	default:
		return nil
	}
}

func (t *ebaTable) reclassifyCPEB(c *consolidatedPEB) {
	target := t.classListFor(c)
	if c.classList == target {
		return
	}
	if c.classList != nil {
		c.classList.Delete(c.classEntry)
		c.classList = nil
		c.classEntry = nil
	}
	if target != nil {
		c.classEntry = target.Store(c)
		c.classList = target
	}
}

// invalidateLocked drops lnum's mapping, whichever kind it is.  It
// returns the physical eraseblock that thereby became free, or NoPEB
// (a consolidated block stays busy until its last slot dies; an
// unmapped eraseblock frees nothing).
//
// consolidating distinguishes the consolidation engine retiring the
// old mappings of its own participants from everyone else; everyone
// else also cancels an in-flight consolidation that involves lnum.
func (vol *Volume) invalidateLocked(lnum ubiprim.LEBNum, consolidating bool) ubiprim.PEBNum {
	if !consolidating {
		vol.stopConsolidationLocked(lnum)
	}
	entry := &vol.tbl.entries[lnum]

	if entry.cpeb == nil {
		pnum := entry.pnum
		entry.pnum = ubiprim.NoPEB
		vol.unlistOpenLocked(lnum)
		return pnum
	}

	cpeb := entry.cpeb
	entry.cpeb = nil
	entry.pnum = ubiprim.NoPEB
	vol.unlistOpenLocked(lnum)
	cpeb.lnums[cpeb.slotOf(lnum)] = ubiprim.NoLEB
	if cpeb.validCount() == 0 {
		if cpeb.classList != nil {
			cpeb.classList.Delete(cpeb.classEntry)
			cpeb.classList = nil
			cpeb.classEntry = nil
		}
		return cpeb.pnum
	}
	vol.tbl.reclassifyCPEB(cpeb)
	return ubiprim.NoPEB
}

// IsMapped reports whether lnum currently has a physical eraseblock
// (of its own or as a consolidated slot).
func (vol *Volume) IsMapped(lnum ubiprim.LEBNum) (bool, error) {
	if err := vol.checkLEB(lnum); err != nil {
		return false, err
	}
	vol.ebaMu.Lock()
	defer vol.ebaMu.Unlock()
	return vol.ldescLocked(lnum).Mapped(), nil
}

// FreeUnits returns how many of the volume's reserved physical
// eraseblocks are not currently consumed by mappings.
func (vol *Volume) FreeUnits() int {
	vol.ebaMu.Lock()
	defer vol.ebaMu.Unlock()
	return vol.tbl.freePEBs
}
