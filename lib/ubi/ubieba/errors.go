// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"errors"

	"git.lukeshu.com/ubiblk/lib/ubi/ubimtd"
)

var (
	// ErrReadOnly is returned by every mutating operation once
	// the device has latched into read-only mode.  The latch is
	// for the life of the process.
	ErrReadOnly = errors.New("eba: device is in read-only mode")

	// ErrDataCorruption means a checked read did not pass
	// validation: the header or payload is corrupted, or the
	// payload CRC does not match.
	ErrDataCorruption = errors.New("eba: data integrity check failed")

	// ErrInternal means the in-memory state contradicts itself.
	// It always comes with the read-only latch.
	ErrInternal = errors.New("eba: internal inconsistency")

	// ErrCopyRetry is returned by CopyLEB when the logical
	// eraseblock is locked by someone else; the copy may be
	// retried later.
	ErrCopyRetry = errors.New("eba: eraseblock is busy, retry the copy")

	// ErrCopyCanceled is returned by CopyLEB when the mapping
	// went stale (or never was): there is nothing to copy.
	ErrCopyCanceled = errors.New("eba: copy canceled")

	// ErrCopyTarget wraps a write failure on the copy target; the
	// source is intact and the caller may pick another target.
	ErrCopyTarget = errors.New("eba: copy target write failed")
)

func isBitflip(err error) bool { return errors.Is(err, ubimtd.ErrBitflip) }
func isECC(err error) bool     { return errors.Is(err, ubimtd.ErrECC) }

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isMedium reports whether err is a defect of the physical
// eraseblock itself, which write paths answer by retrying on a
// different eraseblock.
func isMedium(err error) bool { return errors.Is(err, ubimtd.ErrBadEraseBlock) }
