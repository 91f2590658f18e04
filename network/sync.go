// Copyright 2018 The electrum Authors
// This file is part of the electrum library.
//
// The electrum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The electrum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the electrum library. If not, see <http://www.gnu.org/licenses/>.

package network

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhoudaqing/electrum/blockchain"
)

// SyncResult classifies the outcome of one reconciliation step.
type SyncResult int

const (
	// SyncNone means no step has concluded yet.
	SyncNone SyncResult = iota
	// SyncCatchup extended, or confirmed, the adopted chain.
	SyncCatchup
	// SyncJoin dropped our tip onto an already-known branch.
	SyncJoin
	// SyncConflict overwrote a registered branch that lost at its own
	// forkpoint.
	SyncConflict
	// SyncFork created a new branch for the server's chain.
	SyncFork
	// SyncNoFork located the divergence exactly at our tip; nothing to
	// fork yet.
	SyncNoFork
)

func (r SyncResult) String() string {
	switch r {
	case SyncNone:
		return "none"
	case SyncCatchup:
		return "catchup"
	case SyncJoin:
		return "join"
	case SyncConflict:
		return "conflict"
	case SyncFork:
		return "fork"
	case SyncNoFork:
		return "no_fork"
	default:
		return fmt.Sprintf("SyncResult(%d)", int(r))
	}
}

// syncCloseThreshold is the remaining gap below which single-header steps
// finish the job instead of chunk fetches.
const syncCloseThreshold = 10

// syncUntil closes the gap between height and target (the advertised tip
// when target is 0) with bulk chunk fetches, finishing the tail with single
// steps. Chunk advances are aligned to the retarget epoch.
func (i *Interface) syncUntil(ctx context.Context, height, target uint32) (SyncResult, uint32, error) {
	if target == 0 {
		target = i.Tip()
	}
	last := SyncNone
	var err error
	for last == SyncNone || height < target {
		if target > height+syncCloseThreshold {
			connected, num, cerr := i.chunk(ctx, height, target)
			if cerr != nil {
				return SyncNone, height, cerr
			}
			if !connected {
				if height <= i.network.MaxCheckpoint() {
					return SyncNone, height, errCheckpointConflict
				}
				if last, height, err = i.step(ctx, height, nil); err != nil {
					return SyncNone, height, err
				}
				i.bumpTip(height)
				continue
			}
			height = height/blockchain.ChunkSize*blockchain.ChunkSize + num
			if height > target {
				panic(fmt.Sprintf("chunk advance overshot target: %d > %d", height, target))
			}
			i.bumpTip(height)
			last = SyncCatchup
		} else {
			if last, height, err = i.step(ctx, height, nil); err != nil {
				return SyncNone, height, err
			}
			i.bumpTip(height)
		}
	}
	return last, height, nil
}

// step tests the hypothesis that the server's chain and ours agree at
// height. A candidate header from a tip notification may be passed in;
// otherwise the header is fetched. When the hypothesis fails, step searches
// backward for the last agreeing height — exponential retreat, then binary
// narrowing — and classifies the fork point: extend, join an existing
// branch, reorganize onto one, overwrite a conflicting one, or create a new
// fork.
//
// Heights at or below the checkpoint are assumed true and never probed; a
// server that disagrees down there is cut off.
func (i *Interface) step(ctx context.Context, height uint32, header *blockchain.Header) (SyncResult, uint32, error) {
	if height == 0 {
		panic("step at height 0")
	}
	var err error
	if header == nil {
		if header, err = i.fetch(ctx, height); err != nil {
			return SyncNone, height, err
		}
	}
	if chain := i.db.CheckHeader(header); chain != nil {
		// Some chain already has it; nothing to do.
		return SyncCatchup, height, nil
	}
	connect := i.db.CanConnect(header)

	var bad uint32
	var badHeader *blockchain.Header
	if connect == nil {
		i.log.WithField("height", height).Debug("can't connect")
		bad = height
		badHeader = header
		checkp := false
		if height-1 <= i.network.MaxCheckpoint() {
			height = i.network.MaxCheckpoint() + 1
			checkp = true
		} else {
			height--
		}
		if header, err = i.fetch(ctx, height); err != nil {
			return SyncNone, height, err
		}
		chain := i.db.CheckHeader(header)
		connect = i.db.CanConnect(header)
		if checkp && chain == nil && connect == nil {
			return SyncNone, height, errCheckpointConflict
		}
		for chain == nil && connect == nil {
			bad = height
			badHeader = header
			tip := int64(i.Tip())
			next := tip - 2*(tip-int64(height))
			checkp = false
			if next <= int64(i.network.MaxCheckpoint()) {
				next = int64(i.network.MaxCheckpoint()) + 1
				checkp = true
			}
			height = uint32(next)
			if header, err = i.fetch(ctx, height); err != nil {
				return SyncNone, height, err
			}
			chain = i.db.CheckHeader(header)
			connect = i.db.CanConnect(header)
			if checkp && chain == nil && connect == nil {
				return SyncNone, height, errCheckpointConflict
			}
		}
		i.log.WithField("height", height).Debug("exiting backward mode")
	}

	if connect != nil {
		i.log.WithField("height", height).Debug("could connect")
		i.setChain(connect)
		height++
		if err := connect.SaveHeader(header); err != nil {
			return SyncNone, height, err
		}
		return SyncCatchup, height, nil
	}

	chain := i.db.CheckHeader(header)
	if chain == nil {
		return SyncNone, height, errors.Errorf("header at %d recognized by no chain after backward search", height)
	}

	// Binary narrowing between the last known-good height and the first
	// bad one. The window strictly shrinks every iteration.
	i.setChain(chain)
	good := height
	height = (bad + good) / 2
	if header, err = i.fetch(ctx, height); err != nil {
		return SyncNone, height, err
	}
	for {
		i.log.WithFields(logrus.Fields{"good": good, "bad": bad}).Debug("binary step")
		if c := i.db.CheckHeader(header); c != nil {
			if bad == height {
				panic(fmt.Sprintf("binary search fixpoint at bad=%d", bad))
			}
			good = height
			i.setChain(c)
		} else {
			if good == height {
				panic(fmt.Sprintf("binary search fixpoint at good=%d", good))
			}
			bad = height
			badHeader = header
		}
		if bad != good+1 {
			height = (bad + good) / 2
			if header, err = i.fetch(ctx, height); err != nil {
				return SyncNone, height, err
			}
			continue
		}

		// Fork point located at bad. The bad header must at least link
		// onto the adopted chain's history, or the search went wrong.
		if !i.chainRef().CanConnect(badHeader, false) {
			return SyncNone, height, errors.Errorf("unexpected bad header during binary search at %d", bad)
		}
		if branch := i.db.Chain(bad); branch != nil {
			if branch.CheckHeader(badHeader) {
				i.log.WithField("forkpoint", bad).Info("joining chain")
				return SyncJoin, bad + 1, nil
			}
			if parent := branch.Parent(); parent != nil && parent.CheckHeader(header) {
				i.log.WithFields(logrus.Fields{"forkpoint": bad, "tip": i.Tip()}).Info("reorg")
				i.setChain(parent)
				height = bad
				if header, err = i.fetch(ctx, height); err != nil {
					return SyncNone, height, err
				}
				continue
			}
			i.log.WithField("path", branch.Path()).Info("forkpoint conflicts with existing fork")
			if err := branch.Write(nil, 0); err != nil {
				return SyncNone, height, err
			}
			if err := branch.SaveHeader(badHeader); err != nil {
				return SyncNone, height, err
			}
			i.setChain(branch)
			return SyncConflict, bad + 1, nil
		}

		adopted := i.chainRef()
		if bh := adopted.Height(); bh > good {
			if !adopted.CheckHeader(badHeader) {
				b, err := adopted.Fork(badHeader)
				if err != nil {
					return SyncNone, height, err
				}
				if err := i.db.Register(b); err != nil {
					panic(fmt.Sprintf("fork already registered at %d", bad))
				}
				if b.Forkpoint() != bad {
					panic(fmt.Sprintf("fork at %d landed on forkpoint %d", bad, b.Forkpoint()))
				}
				i.setChain(b)
				height = b.Forkpoint() + 1
			}
			return SyncFork, height, nil
		} else if bh != good {
			panic(fmt.Sprintf("adopted chain height %d below good %d", bh, good))
		} else {
			if bh < i.Tip() {
				i.log.WithField("height", bh+1).Debug("catching up")
				height = bh + 1
			} else {
				height = good
			}
			return SyncNoFork, height, nil
		}
	}
}
