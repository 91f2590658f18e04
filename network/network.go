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

// Package network connects to Electrum servers and keeps the local header
// chains reconciled with theirs. Each server is owned by one Interface; the
// Network coordinates them, serializing all chain mutations behind a single
// lock.
package network

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhoudaqing/electrum/blockchain"
	"github.com/zhoudaqing/electrum/cert"
	"github.com/zhoudaqing/electrum/config"
)

var log = logrus.WithField("prefix", "network")

// Network coordinates the per-server interfaces over one shared chain
// database.
type Network struct {
	cfg   *config.Config
	db    ChainDB
	certs *cert.Store

	// bhiMu serializes header reconciliation across all interfaces. Chain
	// files and the chain registry are only mutated with it held.
	bhiMu sync.Mutex

	mu         sync.Mutex
	interfaces map[string]*Interface
	subs       []chan string
}

// NewNetwork creates a coordinator over the given chain database.
func NewNetwork(cfg *config.Config, db ChainDB) *Network {
	return &Network{
		cfg:        cfg,
		db:         db,
		certs:      cert.NewStore(cfg.CertDir()),
		interfaces: make(map[string]*Interface),
	}
}

// MaxCheckpoint returns the height at and below which chain history is
// assumed true and never refetched.
func (n *Network) MaxCheckpoint() uint32 {
	return n.cfg.Checkpoint
}

// Connect spawns an interface for the given server.
func (n *Network) Connect(server string) (*Interface, error) {
	iface, err := NewInterface(n, server)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.interfaces[server] = iface
	n.mu.Unlock()
	return iface, nil
}

// Close tears down every interface.
func (n *Network) Close() {
	n.mu.Lock()
	ifaces := make([]*Interface, 0, len(n.interfaces))
	for _, i := range n.interfaces {
		ifaces = append(ifaces, i)
	}
	n.mu.Unlock()
	for _, i := range ifaces {
		i.Close()
	}
}

// Subscribe returns a channel receiving network events ("updated" after
// each reconciliation pass). Slow consumers miss events rather than block
// the synchronizer.
func (n *Network) Subscribe() <-chan string {
	ch := make(chan string, 16)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Notify publishes an event to all subscribers.
func (n *Network) Notify(event string) {
	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// RequestChunk bulk-fetches the 2016-header chunk covering height and
// connects it into the interface's adopted chain. It reports whether the
// chunk connected and how many headers it carried.
func (n *Network) RequestChunk(ctx context.Context, height, tip uint32, iface *Interface) (bool, uint32, error) {
	index := height / blockchain.ChunkSize
	count := uint32(blockchain.ChunkSize)
	if tip > 0 {
		// Cap the request so the aligned advance lands on, not past, the
		// tip; the tip header itself arrives through the subscription.
		avail := int64(tip) - int64(index)*blockchain.ChunkSize
		if avail <= 0 {
			return false, 0, nil
		}
		if avail < int64(count) {
			count = uint32(avail)
		}
	}
	var res struct {
		Hex   string `json:"hex"`
		Count uint32 `json:"count"`
		Max   uint32 `json:"max"`
	}
	if err := iface.call(ctx, &res, "blockchain.block.headers", index*blockchain.ChunkSize, count); err != nil {
		return false, 0, err
	}
	data, err := hex.DecodeString(res.Hex)
	if err != nil {
		return false, 0, errors.Wrap(err, "malformed chunk hex")
	}
	got, ok := iface.chainRef().ConnectChunk(index, data)
	return ok, got, nil
}
