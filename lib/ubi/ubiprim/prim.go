// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ubiprim holds the primitive identifier types shared by the
// on-media codec, the media abstraction, and the translation core.
package ubiprim

import (
	"fmt"
)

// VolumeID identifies a volume on a device.
type VolumeID int32

// LEBNum is the number of a logical eraseblock within a volume.
type LEBNum int32

// PEBNum is the number of a physical eraseblock on the media.
//
// NoPEB (negative) means "not mapped to any physical eraseblock".
type PEBNum int32

// SeqNum is a device-global sequence number stamped into headers; it
// strictly increases in stamp order and is never reused.
type SeqNum uint64

const (
	NoLEB LEBNum = -1
	NoPEB PEBNum = -1
)

// Mapped returns whether the number refers to an actual physical
// eraseblock, rather than being the "unmapped" sentinel.
func (p PEBNum) Mapped() bool {
	return p >= 0
}

func (v VolumeID) String() string { return fmt.Sprintf("vol%d", int32(v)) }
func (l LEBNum) String() string   { return fmt.Sprintf("LEB%d", int32(l)) }

func (p PEBNum) String() string {
	if !p.Mapped() {
		return "PEB(unmapped)"
	}
	return fmt.Sprintf("PEB%d", int32(p))
}
