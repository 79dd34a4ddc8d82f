// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

// tunable annotates a value as something that might want to be tuned
// as the package gets optimized.
//
// TODO(lukeshu): Have tunable be runtime-configurable.
func tunable[T any](x T) T {
	return x
}

// Options tunes a Device.  The zero value means "use the defaults".
type Options struct {
	// RetryBound is how many physical eraseblocks a write is
	// attempted on before the device latches read-only.  Only
	// medium defects (ubimtd.ErrBadEraseBlock) are retried.
	RetryBound int

	// ConsolidationThreshold: consolidation is scheduled when a
	// volume's free-eraseblock count drops to this or below.  0
	// means a third of the volume's reserved eraseblocks, but no
	// less than the media's group size.
	ConsolidationThreshold int

	// ScrubQueueDepth is the capacity of the scrub-request
	// channel; requests beyond it are dropped.
	ScrubQueueDepth int

	// ScrubDedupSize is how many recently requested eraseblocks
	// are remembered in order to de-duplicate scrub requests.
	ScrubDedupSize int
}

func (o Options) withDefaults() Options {
	if o.RetryBound == 0 {
		o.RetryBound = tunable(3)
	}
	if o.ScrubQueueDepth == 0 {
		o.ScrubQueueDepth = tunable(64)
	}
	if o.ScrubDedupSize == 0 {
		o.ScrubDedupSize = tunable(128)
	}
	return o
}
