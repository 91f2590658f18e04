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

package blockchain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	headersFilename = "blockchain_headers"
	forksDirname    = "forks"
)

// Registry is the process-wide set of known chains, keyed by forkpoint.
// Entry 0 is the genesis chain. Parent links are forkpoints, not pointers,
// so branches form an arena rather than a cycle of references.
type Registry struct {
	dir string

	mu     sync.RWMutex
	chains map[uint32]*Blockchain
}

// NewRegistry opens the header database under dir, loading the genesis chain
// and any persisted fork branches.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dir, forksDirname), 0o755); err != nil {
		return nil, errors.Wrap(err, "create headers dir")
	}
	r := &Registry{dir: dir, chains: make(map[uint32]*Blockchain)}
	genesis, err := openChain(r, filepath.Join(dir, headersFilename), 0, 0)
	if err != nil {
		return nil, err
	}
	r.chains[0] = genesis
	if err := r.loadForks(); err != nil {
		return nil, err
	}
	return r, nil
}

// Fork branch files are named fork_<parent>_<forkpoint>_<hash8>.
func (r *Registry) loadForks() error {
	entries, err := os.ReadDir(filepath.Join(r.dir, forksDirname))
	if err != nil {
		return errors.Wrap(err, "read forks dir")
	}
	for _, e := range entries {
		parts := strings.Split(e.Name(), "_")
		if len(parts) != 4 || parts[0] != "fork" {
			log.WithField("file", e.Name()).Warn("skipping unrecognized fork file")
			continue
		}
		parent, err1 := strconv.ParseUint(parts[1], 10, 32)
		forkpoint, err2 := strconv.ParseUint(parts[2], 10, 32)
		if err1 != nil || err2 != nil {
			log.WithField("file", e.Name()).Warn("skipping unrecognized fork file")
			continue
		}
		b, err := openChain(r, filepath.Join(r.dir, forksDirname, e.Name()),
			uint32(forkpoint), uint32(parent))
		if err != nil {
			return err
		}
		r.chains[uint32(forkpoint)] = b
	}
	return nil
}

func (r *Registry) forkPath(parent uint32, first *Header) string {
	hash := first.Hash().String()
	name := fmt.Sprintf("fork_%d_%d_%s", parent, first.Height, hash[len(hash)-8:])
	return filepath.Join(r.dir, forksDirname, name)
}

// Chain returns the branch registered at the given forkpoint, or nil.
func (r *Registry) Chain(forkpoint uint32) *Blockchain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains[forkpoint]
}

// Genesis returns chain 0.
func (r *Registry) Genesis() *Blockchain {
	return r.Chain(0)
}

// Chains returns all registered chains ordered by forkpoint.
func (r *Registry) Chains() []*Blockchain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Blockchain, 0, len(r.chains))
	for _, b := range r.chains {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].forkpoint < out[j].forkpoint })
	return out
}

// Register publishes a branch under its forkpoint. At most one chain may
// exist per forkpoint.
func (r *Registry) Register(b *Blockchain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[b.forkpoint]; ok {
		return errors.Errorf("chain already registered at forkpoint %d", b.forkpoint)
	}
	r.chains[b.forkpoint] = b
	return nil
}

// CheckHeader returns the chain that already contains the header, or nil.
func (r *Registry) CheckHeader(h *Header) *Blockchain {
	for _, b := range r.Chains() {
		if b.CheckHeader(h) {
			return b
		}
	}
	return nil
}

// CanConnect returns the chain that would accept the header as its next one,
// or nil.
func (r *Registry) CanConnect(h *Header) *Blockchain {
	for _, b := range r.Chains() {
		if b.CanConnect(h, true) {
			return b
		}
	}
	return nil
}
