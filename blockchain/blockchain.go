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

// Package blockchain stores block header chains on disk and answers the
// linkage queries the header synchronizer asks: does a header belong to a
// known chain, and would it extend one. Each chain is a flat file of
// fixed-size headers; competing branches live in their own files keyed by
// the height they diverged at.
package blockchain

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "blockchain")

// ChunkSize is the retarget epoch length; bulk header transfers are aligned
// to it.
const ChunkSize = 2016

const headerCacheSize = 4096

// ErrMissingHeader is returned by Read for heights outside the chain.
var ErrMissingHeader = errors.New("header not stored")

// Blockchain is one branch of the local header database. The genesis chain
// has forkpoint 0; every other branch starts at the height it diverged from
// its parent.
type Blockchain struct {
	reg        *Registry
	forkpoint  uint32
	parentFork uint32
	path       string

	mu    sync.RWMutex
	size  uint32 // number of headers in the file
	cache *lru.Cache
}

func openChain(reg *Registry, path string, forkpoint, parentFork uint32) (*Blockchain, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open chain file")
	}
	fi, err := f.Stat()
	f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "stat chain file")
	}
	cache, _ := lru.New(headerCacheSize)
	return &Blockchain{
		reg:        reg,
		forkpoint:  forkpoint,
		parentFork: parentFork,
		path:       path,
		size:       uint32(fi.Size() / HeaderSize),
		cache:      cache,
	}, nil
}

// Forkpoint returns the height at which this branch diverges from its parent.
func (b *Blockchain) Forkpoint() uint32 { return b.forkpoint }

// Path returns the location of the backing file.
func (b *Blockchain) Path() string { return b.path }

// Parent returns the branch this one forked off, or nil for the genesis
// chain.
func (b *Blockchain) Parent() *Blockchain {
	if b.forkpoint == 0 {
		return nil
	}
	return b.reg.Chain(b.parentFork)
}

// Height returns the height of the last stored header.
func (b *Blockchain) Height() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.heightLocked()
}

func (b *Blockchain) heightLocked() uint32 {
	if b.size == 0 {
		if b.forkpoint == 0 {
			return 0
		}
		return b.forkpoint - 1
	}
	return b.forkpoint + b.size - 1
}

func (b *Blockchain) empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size == 0
}

// Read returns the stored header at the given height.
func (b *Blockchain) Read(height uint32) (*Header, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readLocked(height)
}

func (b *Blockchain) readLocked(height uint32) (*Header, error) {
	if b.size == 0 || height < b.forkpoint || height > b.heightLocked() {
		return nil, ErrMissingHeader
	}
	if v, ok := b.cache.Get(height); ok {
		return v.(*Header), nil
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, errors.Wrap(err, "open chain file")
	}
	defer f.Close()
	buf := make([]byte, HeaderSize)
	off := int64(height-b.forkpoint) * HeaderSize
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "read header %d", height)
	}
	h, err := DeserializeHeader(buf, height)
	if err != nil {
		return nil, err
	}
	b.cache.Add(height, h)
	return h, nil
}

// CheckHeader reports whether this chain already contains the given header.
func (b *Blockchain) CheckHeader(h *Header) bool {
	if h == nil {
		return false
	}
	stored, err := b.Read(h.Height)
	return err == nil && stored.Hash() == h.Hash()
}

// CanConnect reports whether the header links onto this chain. With
// checkHeight set the header must sit exactly one above the current tip;
// without it only the previous-hash linkage at its own height is verified.
func (b *Blockchain) CanConnect(h *Header, checkHeight bool) bool {
	if h == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if h.Height == 0 {
		// Only the empty genesis chain accepts a genesis header.
		return b.forkpoint == 0 && b.size == 0
	}
	if checkHeight && b.heightLocked() != h.Height-1 {
		return false
	}
	prev, err := b.readLocked(h.Height - 1)
	if err != nil {
		return false
	}
	return prev.Hash() == h.PrevHash
}

// SaveHeader appends the header to this chain. The header must be the next
// one after the stored tip.
func (b *Blockchain) SaveHeader(h *Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.forkpoint + b.size
	if h.Height != next {
		return errors.Errorf("save_header out of order: got %d, want %d", h.Height, next)
	}
	if err := b.writeAt(h.Serialize(), int64(b.size)*HeaderSize); err != nil {
		return err
	}
	b.size++
	b.cache.Add(h.Height, h)
	return nil
}

// Write replaces the file contents from the given byte offset onward. It is
// used to truncate a branch that lost a forkpoint conflict before
// overwriting it with the winning header.
func (b *Blockchain) Write(data []byte, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(b.path, os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open chain file")
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return errors.Wrap(err, "truncate chain file")
	}
	if len(data) > 0 {
		if _, err := f.WriteAt(data, offset); err != nil {
			return errors.Wrap(err, "write chain file")
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync chain file")
	}
	b.size = uint32((offset + int64(len(data))) / HeaderSize)
	b.cache.Purge()
	return nil
}

func (b *Blockchain) writeAt(data []byte, offset int64) error {
	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "open chain file")
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync chain file")
	}
	return nil
}

// Fork splits off a new branch starting at the given header. The branch is
// not registered; the caller owns publishing it.
func (b *Blockchain) Fork(h *Header) (*Blockchain, error) {
	path := b.reg.forkPath(b.forkpoint, h)
	if err := os.RemoveAll(path); err != nil {
		return nil, errors.Wrap(err, "clear stale fork file")
	}
	child, err := openChain(b.reg, path, h.Height, b.forkpoint)
	if err != nil {
		return nil, err
	}
	if err := child.SaveHeader(h); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"forkpoint": h.Height,
		"parent":    b.forkpoint,
	}).Debug("forked chain")
	return child, nil
}

// ConnectChunk verifies and stores a 2016-aligned run of headers starting at
// index*ChunkSize. It returns the number of headers in the chunk and whether
// every header could be connected.
func (b *Blockchain) ConnectChunk(index uint32, data []byte) (uint32, bool) {
	if len(data) == 0 || len(data)%HeaderSize != 0 {
		return 0, false
	}
	count := uint32(len(data) / HeaderSize)
	start := index * ChunkSize
	for k := uint32(0); k < count; k++ {
		h, err := DeserializeHeader(data[k*HeaderSize:(k+1)*HeaderSize], start+k)
		if err != nil {
			return count, false
		}
		if !b.empty() && h.Height <= b.Height() {
			// Already stored; a mismatch means the server serves a
			// different chain for history we hold.
			if !b.CheckHeader(h) {
				return count, false
			}
			continue
		}
		if !b.CanConnect(h, true) {
			return count, false
		}
		if err := b.SaveHeader(h); err != nil {
			return count, false
		}
	}
	return count, true
}
