// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ubieba maps logical eraseblocks to physical eraseblocks on
// log-structured flash media.
//
// It sits between a raw media driver and a wear-leveling layer
// (ubimtd.Media and ubimtd.Allocator): every logical eraseblock of a
// volume is backed by at most one physical eraseblock, or, on media
// whose geometry allows it, by one slot of a physical eraseblock
// shared with up to GroupSize-1 siblings ("consolidated").  Writes
// are copy-on-write at eraseblock granularity, stamped with a header
// carrying a device-global sequence number so that the newest copy
// of an eraseblock always wins.
package ubieba

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ubiblk/lib/ubi/ubimtd"
	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
	"git.lukeshu.com/ubiblk/lib/ubi/ubivid"
)

// Device is the translation core for one piece of media.
type Device struct {
	media ubimtd.Media
	alloc ubimtd.Allocator
	geo   ubimtd.Geometry
	opts  Options

	// layout within a physical eraseblock: the header area (one
	// ubivid record per slot, padded to the write granularity),
	// then GroupSize payload slots of lebSize bytes each.
	hdrArea int
	lebSize int

	ltree lockRegistry

	// pebBuf is the scratch buffer for whole-eraseblock
	// operations (recovery, copies, un-consolidation).
	bufMu  sync.Mutex
	pebBuf []byte

	ro atomic.Bool

	scrub *scrubQueue

	volMu   sync.Mutex
	volumes map[ubiprim.VolumeID]*Volume

	consoKick chan struct{}
}

// VolumeConfig describes a volume to AddVolume.
type VolumeConfig struct {
	ID   ubiprim.VolumeID
	Type ubivid.VolType
	// LEBCount is how many logical eraseblocks are addressable.
	LEBCount int
	// ReservedPEBs is the volume's quota of physical eraseblocks.
	ReservedPEBs int
	// UsedEBs is, for static volumes, how many eraseblocks the
	// payload spans; it is stamped into every header.
	UsedEBs int
}

// Volume is one volume's view of the Device.
type Volume struct {
	dev *Device
	cfg VolumeConfig

	// ebaMu guards tbl and conso.
	ebaMu sync.Mutex
	tbl   *ebaTable
	conso consoState

	// alcMu serializes atomic eraseblock changes.
	alcMu sync.Mutex
	// consoMu serializes consolidation cycles.
	consoMu sync.Mutex
}

func NewDevice(ctx context.Context, media ubimtd.Media, alloc ubimtd.Allocator, opts Options) (*Device, error) {
	geo := media.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		media: media,
		alloc: alloc,
		geo:   geo,
		opts:  opts.withDefaults(),

		volumes:   make(map[ubiprim.VolumeID]*Volume),
		consoKick: make(chan struct{}, 1),
	}
	d.hdrArea = alignUp(geo.GroupSize*ubivid.Size, geo.MinIOSize)
	d.lebSize = alignDown((geo.PEBSize-d.hdrArea)/geo.GroupSize, geo.MinIOSize)
	if d.lebSize < geo.MinIOSize {
		return nil, fmt.Errorf("eba: geometry leaves no payload room: %+v", geo)
	}
	d.pebBuf = make([]byte, d.lebSize)
	d.ltree.init()
	var err error
	d.scrub, err = newScrubQueue(d.opts.ScrubQueueDepth, d.opts.ScrubDedupSize)
	if err != nil {
		return nil, err
	}
	dlog.Infof(ctx, "eba: attached media: %v PEBs of %v bytes, LEB size %v, group size %v",
		geo.PEBCount, geo.PEBSize, d.lebSize, geo.GroupSize)
	return d, nil
}

func alignUp(x, a int) int   { return (x + a - 1) / a * a }
func alignDown(x, a int) int { return x / a * a }

// LEBSize returns how many payload bytes one logical eraseblock
// holds.
func (d *Device) LEBSize() int { return d.lebSize }

// GroupSize returns how many logical eraseblocks a consolidated
// physical eraseblock carries; 1 means consolidation is off.
func (d *Device) GroupSize() int { return d.geo.GroupSize }

// ReadOnly reports whether the device has latched into read-only
// mode.
func (d *Device) ReadOnly() bool { return d.ro.Load() }

// toReadOnly latches the device read-only.  There is no way back.
func (d *Device) toReadOnly(ctx context.Context, format string, args ...any) {
	if d.ro.CompareAndSwap(false, true) {
		dlog.Errorf(ctx, "eba: switching to read-only mode: "+format, args...)
	}
}

func (d *Device) nextSeq() ubiprim.SeqNum {
	return d.ltree.nextSeq()
}

// AddVolume registers a volume.  Its translation table starts out
// empty (every logical eraseblock unmapped).
func (d *Device) AddVolume(ctx context.Context, cfg VolumeConfig) (*Volume, error) {
	switch cfg.Type {
	case ubivid.Dynamic:
		if cfg.UsedEBs != 0 {
			return nil, fmt.Errorf("eba: %v: UsedEBs is for static volumes", cfg.ID)
		}
	case ubivid.Static:
		if cfg.UsedEBs < 0 || cfg.UsedEBs > cfg.LEBCount {
			return nil, fmt.Errorf("eba: %v: UsedEBs=%v out of range [0,%v]",
				cfg.ID, cfg.UsedEBs, cfg.LEBCount)
		}
	default:
		return nil, fmt.Errorf("eba: %v: bad volume type %v", cfg.ID, cfg.Type)
	}
	if cfg.LEBCount < 1 || cfg.ReservedPEBs < 1 {
		return nil, fmt.Errorf("eba: %v: bad shape: %v LEBs, %v reserved PEBs",
			cfg.ID, cfg.LEBCount, cfg.ReservedPEBs)
	}

	vol := &Volume{
		dev: d,
		cfg: cfg,
		tbl: newEBATable(cfg.LEBCount, d.geo.GroupSize, cfg.ReservedPEBs),
	}

	d.volMu.Lock()
	defer d.volMu.Unlock()
	if _, taken := d.volumes[cfg.ID]; taken {
		return nil, fmt.Errorf("eba: %v already exists", cfg.ID)
	}
	d.volumes[cfg.ID] = vol
	dlog.Infof(ctx, "eba: added %v %v: %v LEBs, %v reserved PEBs",
		cfg.Type, cfg.ID, cfg.LEBCount, cfg.ReservedPEBs)
	return vol, nil
}

func (d *Device) lookupVolume(id ubiprim.VolumeID) *Volume {
	d.volMu.Lock()
	defer d.volMu.Unlock()
	return d.volumes[id]
}

func (d *Device) volumesSnapshot() []*Volume {
	d.volMu.Lock()
	defer d.volMu.Unlock()
	vols := make([]*Volume, 0, len(d.volumes))
	for _, vol := range d.volumes {
		vols = append(vols, vol)
	}
	return vols
}

// Run runs the device's background workers (currently just the
// consolidator) until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	grp.Go("consolidator", d.RunConsolidator)
	return grp.Wait()
}

func (vol *Volume) ID() ubiprim.VolumeID { return vol.cfg.ID }
func (vol *Volume) Type() ubivid.VolType { return vol.cfg.Type }

func (vol *Volume) key(lnum ubiprim.LEBNum) lebKey {
	return lebKey{Vol: vol.cfg.ID, LNum: lnum}
}

func (vol *Volume) checkLEB(lnum ubiprim.LEBNum) error {
	if lnum < 0 || int(lnum) >= vol.cfg.LEBCount {
		return fmt.Errorf("eba: %v: %v out of range [0,%v)",
			vol.cfg.ID, lnum, vol.cfg.LEBCount)
	}
	return nil
}

func (vol *Volume) checkIO(offset, length int, aligned bool) error {
	if offset < 0 || length < 0 || offset+length > vol.dev.lebSize {
		return fmt.Errorf("eba: %v: range [%v,%v) outside eraseblock of size %v",
			vol.cfg.ID, offset, offset+length, vol.dev.lebSize)
	}
	if aligned && (offset%vol.dev.geo.MinIOSize != 0 || length%vol.dev.geo.MinIOSize != 0) {
		return fmt.Errorf("eba: %v: range [%v,%v) not aligned to write granularity %v",
			vol.cfg.ID, offset, offset+length, vol.dev.geo.MinIOSize)
	}
	return nil
}

// getPEB takes one physical eraseblock out of the volume's quota and
// gets one from the allocator.
func (vol *Volume) getPEB(ctx context.Context) (ubiprim.PEBNum, error) {
	vol.ebaMu.Lock()
	if vol.tbl.freePEBs < 1 {
		vol.ebaMu.Unlock()
		return ubiprim.NoPEB, fmt.Errorf("eba: %v: %w", vol.cfg.ID, ubimtd.ErrExhausted)
	}
	vol.tbl.freePEBs--
	kick := vol.consolidationNeededLocked()
	vol.ebaMu.Unlock()
	if kick {
		vol.dev.TriggerConsolidation()
	}

	pnum, err := vol.dev.alloc.Allocate(ctx)
	if err != nil {
		vol.ebaMu.Lock()
		vol.tbl.freePEBs++
		vol.ebaMu.Unlock()
		return ubiprim.NoPEB, err
	}
	return pnum, nil
}

// putPEB hands a physical eraseblock back to the allocator and
// returns it to the volume's quota.
func (vol *Volume) putPEB(ctx context.Context, pnum ubiprim.PEBNum, torture bool) error {
	err := vol.dev.alloc.Release(ctx, pnum, torture)
	if err != nil {
		dlog.Warnf(ctx, "eba: %v: failed to release %v: %v", vol.cfg.ID, pnum, err)
	}
	vol.ebaMu.Lock()
	vol.tbl.freePEBs++
	vol.ebaMu.Unlock()
	return err
}

// dataOff maps a byte offset within a logical eraseblock to the byte
// offset within its physical eraseblock.
func (d *Device) dataOff(ld LEBDesc, offset int) int {
	slot := ld.LPos
	if slot < 0 {
		slot = 0
	}
	return d.hdrArea + slot*d.lebSize + offset
}

func (vol *Volume) readData(ctx context.Context, ld LEBDesc, dat []byte, offset int) error {
	return vol.dev.media.Read(ctx, ld.PNum, vol.dev.dataOff(ld, offset), dat)
}

func (vol *Volume) writeData(ctx context.Context, ld LEBDesc, dat []byte, offset int) error {
	return vol.dev.media.Write(ctx, ld.PNum, vol.dev.dataOff(ld, offset), dat)
}

// writeHeaderBlock writes the header area of pnum: hdrs[i] goes into
// record slot i, the rest of the area stays erased (0xFF).  off is 0
// for the real header area; trailing duplicates pass the offset of a
// spare area instead.
func (d *Device) writeHeaderBlock(ctx context.Context, pnum ubiprim.PEBNum, off int, hdrs []ubivid.Header) error {
	buf := make([]byte, d.hdrArea)
	for i := range buf {
		buf[i] = 0xFF
	}
	for i, hdr := range hdrs {
		dat, err := hdr.MarshalBinary()
		if err != nil {
			return err
		}
		copy(buf[i*ubivid.Size:], dat)
	}
	return d.media.Write(ctx, pnum, off, buf)
}

// readHeader reads and validates the header record for ld.  scrub
// reports that the record was read with a corrected bitflip.
func (vol *Volume) readHeader(ctx context.Context, ld LEBDesc) (hdr ubivid.Header, scrub bool, err error) {
	slot := ld.LPos
	if slot < 0 {
		slot = 0
	}
	dat := make([]byte, ubivid.Size)
	err = vol.dev.media.Read(ctx, ld.PNum, slot*ubivid.Size, dat)
	if err != nil {
		if !isBitflip(err) {
			return hdr, false, err
		}
		scrub = true
	}
	if _, err := (&hdr).UnmarshalBinary(dat); err != nil {
		return hdr, scrub, err
	}
	if hdr.VolID != ld.VolID || hdr.LNum != ld.LNum {
		return hdr, scrub, fmt.Errorf("%w: %v holds a header for %v/%v, expected %v/%v",
			ErrDataCorruption, ld.PNum, hdr.VolID, hdr.LNum, ld.VolID, ld.LNum)
	}
	return hdr, scrub, nil
}
