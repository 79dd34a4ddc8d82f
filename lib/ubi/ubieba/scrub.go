// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ubieba

import (
	"context"

	"github.com/datawire/dlib/dlog"
	lru "github.com/hashicorp/golang-lru"

	"git.lukeshu.com/ubiblk/lib/ubi/ubiprim"
)

// scrubQueue collects "this eraseblock is decaying, please move its
// data" requests for the wear-leveling layer.  A read that keeps
// hitting corrected bitflips would emit one request per read, so
// recently requested eraseblocks are remembered and de-duplicated.
type scrubQueue struct {
	ch   chan ubiprim.PEBNum
	seen *lru.Cache
}

func newScrubQueue(depth, dedupSize int) (*scrubQueue, error) {
	seen, err := lru.New(dedupSize)
	if err != nil {
		return nil, err
	}
	return &scrubQueue{
		ch:   make(chan ubiprim.PEBNum, depth),
		seen: seen,
	}, nil
}

func (q *scrubQueue) request(ctx context.Context, pnum ubiprim.PEBNum) {
	if dup, _ := q.seen.ContainsOrAdd(pnum, struct{}{}); dup {
		return
	}
	select {
	case q.ch <- pnum:
		dlog.Debugf(ctx, "eba: scheduled %v for scrubbing", pnum)
	default:
		dlog.Warnf(ctx, "eba: scrub queue is full, dropping request for %v", pnum)
		q.seen.Remove(pnum)
	}
}

// Scrubs is the stream of eraseblocks that want scrubbing; the
// wear-leveling layer consumes it.
func (d *Device) Scrubs() <-chan ubiprim.PEBNum {
	return d.scrub.ch
}

// ScrubDone tells the device that pnum was scrubbed (or retired), so
// that future bitflips on it queue a fresh request.
func (d *Device) ScrubDone(pnum ubiprim.PEBNum) {
	d.scrub.seen.Remove(pnum)
}
