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
	"github.com/zhoudaqing/electrum/blockchain"
)

// Chain is the synchronizer's view of one local header branch. The
// production implementation is blockchain.Blockchain; tests script these
// methods to steer the reconciler without touching disk.
type Chain interface {
	Height() uint32
	Forkpoint() uint32
	Path() string
	CheckHeader(h *blockchain.Header) bool
	CanConnect(h *blockchain.Header, checkHeight bool) bool
	SaveHeader(h *blockchain.Header) error
	Write(data []byte, offset int64) error
	Fork(h *blockchain.Header) (Chain, error)
	Parent() Chain
	ConnectChunk(index uint32, data []byte) (uint32, bool)
}

// ChainDB is the registry of all local branches, keyed by forkpoint.
type ChainDB interface {
	// Chain returns the branch registered at a forkpoint, or nil.
	Chain(forkpoint uint32) Chain
	// Genesis returns chain 0.
	Genesis() Chain
	// Register publishes a branch; at most one chain per forkpoint.
	Register(c Chain) error
	// CheckHeader returns the chain already containing the header, or nil.
	CheckHeader(h *blockchain.Header) Chain
	// CanConnect returns the chain the header would extend, or nil.
	CanConnect(h *blockchain.Header) Chain
}

// NewChainDB adapts a blockchain registry to the synchronizer's view.
func NewChainDB(reg *blockchain.Registry) ChainDB {
	return &registryDB{reg: reg}
}

type registryDB struct {
	reg *blockchain.Registry
}

func (d *registryDB) wrap(b *blockchain.Blockchain) Chain {
	if b == nil {
		return nil
	}
	return &dbChain{Blockchain: b, db: d}
}

func (d *registryDB) Chain(forkpoint uint32) Chain {
	return d.wrap(d.reg.Chain(forkpoint))
}

func (d *registryDB) Genesis() Chain {
	return d.wrap(d.reg.Genesis())
}

func (d *registryDB) Register(c Chain) error {
	return d.reg.Register(c.(*dbChain).Blockchain)
}

func (d *registryDB) CheckHeader(h *blockchain.Header) Chain {
	return d.wrap(d.reg.CheckHeader(h))
}

func (d *registryDB) CanConnect(h *blockchain.Header) Chain {
	return d.wrap(d.reg.CanConnect(h))
}

// dbChain lifts a concrete chain into the Chain interface; only the methods
// whose signatures mention Chain need wrapping.
type dbChain struct {
	*blockchain.Blockchain
	db *registryDB
}

func (c *dbChain) Fork(h *blockchain.Header) (Chain, error) {
	b, err := c.Blockchain.Fork(h)
	if err != nil {
		return nil, err
	}
	return c.db.wrap(b), nil
}

func (c *dbChain) Parent() Chain {
	return c.db.wrap(c.Blockchain.Parent())
}
