// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ubivid implements the on-media volume-identifier header: a
// 64-byte big-endian record written at the head of every in-use
// physical eraseblock, identifying which logical eraseblock(s) the
// block carries.
package ubivid

import (
	"errors"
	"fmt"
	"hash/crc32"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

const (
	// Magic is "UBI!" in big-endian.
	Magic uint32 = 0x55424921

	// Version is the only header version this package reads or
	// writes.
	Version uint8 = 1

	// Size is the encoded size of a Header.
	Size = 64
)

// VolType says how the volume that owns a logical eraseblock stores
// data in it.
type VolType uint8

const (
	// Dynamic volumes are rewritten in place at eraseblock
	// granularity; payload integrity is the user's problem.
	Dynamic VolType = 1
	// Static volumes are written once and verified against the
	// header's data size and CRC on every read.
	Static VolType = 2
)

func (t VolType) String() string {
	switch t {
	case Dynamic:
		return "dynamic"
	case Static:
		return "static"
	default:
		return fmt.Sprintf("VolType(%d)", uint8(t))
	}
}

// Flags is the header flag word.
type Flags uint32

const (
	// FlagConsolidated marks a header that belongs to a
	// multi-LEB (consolidated) physical eraseblock.
	FlagConsolidated Flags = 1 << 0
)

// Header is the decoded volume-identifier header.
//
// Wire layout (all integers big-endian):
//
//	0x00  magic      u32
//	0x04  version    u8
//	0x05  vol_type   u8
//	0x06  copy_flag  u8 (0 or 1)
//	0x07  compat     u8
//	0x08  vol_id     u32
//	0x0c  lnum       u32
//	0x10  flags      u32
//	0x14  data_size  u32
//	0x18  used_ebs   u32
//	0x1c  data_pad   u32
//	0x20  data_crc   u32
//	0x24  sqnum      u64
//	0x2c  padding    [16]u8 (zero)
//	0x3c  hdr_crc    u32
type Header struct {
	VolType  VolType
	CopyFlag bool
	Compat   uint8
	VolID    ubiprim.VolumeID
	LNum     ubiprim.LEBNum
	Flags    Flags
	DataSize uint32
	UsedEBs  uint32
	DataPad  uint32
	DataCRC  uint32
	SeqNum   ubiprim.SeqNum
}

var (
	// ErrNoHeader means the header area is still erased (all
	// 0xFF); the physical eraseblock carries no data.
	ErrNoHeader = errors.New("vid: eraseblock has no header")
	// ErrBadHeader means the header area holds bytes that are not
	// a valid header (bad magic, unknown version, CRC mismatch).
	ErrBadHeader = errors.New("vid: corrupted header")
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// CRC32 computes the checksum used for both hdr_crc and data_crc:
// CRC-32/IEEE seeded with 0xFFFFFFFF and without the final
// inversion.
func CRC32(dat []byte) uint32 {
	return ^crc32.Update(0, crcTable, dat)
}

func be16(dat []byte, off int, val uint16) {
	dat[off] = uint8(val >> 8)
	dat[off+1] = uint8(val)
}

func be32(dat []byte, off int, val uint32) {
	be16(dat, off, uint16(val>>16))
	be16(dat, off+2, uint16(val))
}

func be64(dat []byte, off int, val uint64) {
	be32(dat, off, uint32(val>>32))
	be32(dat, off+4, uint32(val))
}

func rd32(dat []byte, off int) uint32 {
	return uint32(dat[off])<<24 | uint32(dat[off+1])<<16 | uint32(dat[off+2])<<8 | uint32(dat[off+3])
}

func rd64(dat []byte, off int) uint64 {
	return uint64(rd32(dat, off))<<32 | uint64(rd32(dat, off+4))
}

// MarshalBinary encodes the header, stamping hdr_crc.
func (h Header) MarshalBinary() ([]byte, error) {
	dat := make([]byte, Size)
	be32(dat, 0x00, Magic)
	dat[0x04] = Version
	dat[0x05] = uint8(h.VolType)
	if h.CopyFlag {
		dat[0x06] = 1
	}
	dat[0x07] = h.Compat
	be32(dat, 0x08, uint32(h.VolID))
	be32(dat, 0x0c, uint32(h.LNum))
	be32(dat, 0x10, uint32(h.Flags))
	be32(dat, 0x14, h.DataSize)
	be32(dat, 0x18, h.UsedEBs)
	be32(dat, 0x1c, h.DataPad)
	be32(dat, 0x20, h.DataCRC)
	be64(dat, 0x24, uint64(h.SeqNum))
	be32(dat, 0x3c, CRC32(dat[:0x3c]))
	return dat, nil
}

// UnmarshalBinary decodes and validates a header.  It returns
// ErrNoHeader if the header area is still erased, and ErrBadHeader
// (wrapped, with detail) if the bytes are not a valid header.
func (h *Header) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < Size {
		return 0, fmt.Errorf("vid: need %v bytes, have %v", Size, len(dat))
	}
	dat = dat[:Size]
	if erased(dat) {
		return 0, ErrNoHeader
	}
	if magic := rd32(dat, 0x00); magic != Magic {
		return 0, fmt.Errorf("%w: magic=0x%08x", ErrBadHeader, magic)
	}
	if crc := CRC32(dat[:0x3c]); crc != rd32(dat, 0x3c) {
		return 0, fmt.Errorf("%w: hdr_crc mismatch: calculated=0x%08x stored=0x%08x",
			ErrBadHeader, crc, rd32(dat, 0x3c))
	}
	if version := dat[0x04]; version != Version {
		return 0, fmt.Errorf("%w: unknown version %v", ErrBadHeader, version)
	}
	h.VolType = VolType(dat[0x05])
	if h.VolType != Dynamic && h.VolType != Static {
		return 0, fmt.Errorf("%w: bad vol_type %v", ErrBadHeader, uint8(h.VolType))
	}
	switch dat[0x06] {
	case 0:
		h.CopyFlag = false
	case 1:
		h.CopyFlag = true
	default:
		return 0, fmt.Errorf("%w: bad copy_flag %v", ErrBadHeader, dat[0x06])
	}
	h.Compat = dat[0x07]
	h.VolID = ubiprim.VolumeID(rd32(dat, 0x08))
	h.LNum = ubiprim.LEBNum(rd32(dat, 0x0c))
	h.Flags = Flags(rd32(dat, 0x10))
	h.DataSize = rd32(dat, 0x14)
	h.UsedEBs = rd32(dat, 0x18)
	h.DataPad = rd32(dat, 0x1c)
	h.DataCRC = rd32(dat, 0x20)
	h.SeqNum = ubiprim.SeqNum(rd64(dat, 0x24))
	return Size, nil
}

func erased(dat []byte) bool {
	for _, b := range dat {
		if b != 0xFF {
			return false
		}
	}
	return true
}
