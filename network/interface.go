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
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zhoudaqing/electrum/blockchain"
	"github.com/zhoudaqing/electrum/config"
	"github.com/zhoudaqing/electrum/internal/jsonrpc"
)

const (
	clientVersion   = "0.1.0"
	protocolVersion = "1.2"

	// keepAliveInterval is how long the connection may sit idle before a
	// ping probes it; the ping itself gets pingTimeout.
	keepAliveInterval = 300 * time.Second
	pingTimeout       = 5 * time.Second

	// headerTimeout bounds a single-header fetch.
	headerTimeout = time.Second
)

// ScripthashStatus is a script-hash subscription update. The headers-only
// interface never subscribes any, but the session routes them so the
// notification plumbing is complete.
type ScripthashStatus struct {
	Scripthash string
	Status     string
}

type headerNotification struct {
	Hex    string `json:"hex"`
	Height uint32 `json:"height"`
}

// Interface owns the connection to one Electrum server: trust bootstrap,
// the headers subscription, and the reconciliation of local chains against
// the server's.
type Interface struct {
	network *Network
	server  ServerAddr
	proxy   *config.Proxy
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	log     *logrus.Entry

	// db, fetch and chunk are the reconciler's handles on the world; tests
	// swap them for scripted ones.
	db    ChainDB
	fetch func(ctx context.Context, height uint32) (*blockchain.Header, error)
	chunk func(ctx context.Context, height, tip uint32) (bool, uint32, error)

	readyOnce sync.Once
	ready     chan struct{}

	mu        sync.Mutex
	tipHeader *blockchain.Header
	tip       uint32
	chain     Chain
	session   *jsonrpc.Session
	err       error

	scripthashQ *queue.ConcurrentQueue

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInterface parses the server string and spawns the connection task.
func NewInterface(n *Network, server string) (*Interface, error) {
	addr, err := ParseServer(server)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Interface{
		network:     n,
		server:      addr,
		proxy:       n.cfg.Proxy,
		dial:        newDialer(n.cfg.Proxy),
		log:         log.WithField("server", addr.Host),
		db:          n.db,
		ready:       make(chan struct{}),
		scripthashQ: queue.NewConcurrentQueue(16),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	i.fetch = func(ctx context.Context, height uint32) (*blockchain.Header, error) {
		return i.GetBlockHeader(ctx, height)
	}
	i.chunk = func(ctx context.Context, height, tip uint32) (bool, uint32, error) {
		return i.RequestChunk(ctx, height, tip)
	}
	i.scripthashQ.Start()
	go i.run(ctx)
	return i, nil
}

// DiagnosticName identifies the interface in logs and peer lists.
func (i *Interface) DiagnosticName() string { return i.server.Host }

// Server returns the parsed server address.
func (i *Interface) Server() ServerAddr { return i.server }

// CertPath returns where this server's certificate (or CA sentinel) is
// cached.
func (i *Interface) CertPath() string {
	return i.network.certs.Path(i.server.Host)
}

// Ready is closed once the initial subscription produced a usable tip and a
// chain was adopted.
func (i *Interface) Ready() <-chan struct{} { return i.ready }

// Done is closed when the connection task has terminated.
func (i *Interface) Done() <-chan struct{} { return i.done }

// Close cancels the connection task.
func (i *Interface) Close() {
	i.cancel()
}

// Tip returns the highest height the server has advertised.
func (i *Interface) Tip() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tip
}

// TipHeader returns the last advertised tip header.
func (i *Interface) TipHeader() *blockchain.Header {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tipHeader
}

// Blockchain returns the chain this interface is currently extending.
func (i *Interface) Blockchain() Chain {
	return i.chainRef()
}

// Err reports the terminal disconnect cause once Done is closed.
func (i *Interface) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// ScripthashUpdates delivers script-hash subscription notifications.
func (i *Interface) ScripthashUpdates() <-chan interface{} {
	return i.scripthashQ.ChanOut()
}

// GetBlockHeader fetches and decodes a single header.
func (i *Interface) GetBlockHeader(ctx context.Context, height uint32) (*blockchain.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, headerTimeout)
	defer cancel()
	var hexStr string
	if err := i.call(ctx, &hexStr, "blockchain.block.header", height); err != nil {
		return nil, err
	}
	return blockchain.DeserializeHeaderHex(hexStr, height)
}

// RequestChunk bulk-fetches headers around height; see Network.RequestChunk.
func (i *Interface) RequestChunk(ctx context.Context, height, tip uint32) (bool, uint32, error) {
	return i.network.RequestChunk(ctx, height, tip, i)
}

func (i *Interface) call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	i.mu.Lock()
	s := i.session
	i.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.Call(ctx, result, method, params...)
}

func (i *Interface) chainRef() Chain {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.chain
}

func (i *Interface) setChain(c Chain) {
	i.mu.Lock()
	i.chain = c
	i.mu.Unlock()
}

// setTip records a newly advertised tip header. The tip height never moves
// backwards within one connection.
func (i *Interface) setTip(h *blockchain.Header) {
	i.mu.Lock()
	i.tipHeader = h
	if h.Height > i.tip {
		i.tip = h.Height
	}
	i.mu.Unlock()
}

func (i *Interface) bumpTip(height uint32) {
	i.mu.Lock()
	if height > i.tip {
		i.tip = height
	}
	i.mu.Unlock()
}

func (i *Interface) setErr(err error) {
	i.mu.Lock()
	if i.err == nil {
		i.err = err
	}
	i.mu.Unlock()
}

// run is the connection task. It terminates only on cancellation or a
// terminal error.
func (i *Interface) run(ctx context.Context) {
	defer close(i.done)
	defer i.scripthashQ.Stop()
	err := i.connect(ctx)
	switch {
	case err == nil:
		// The loop only exits via error; treat as a lost connection.
		err = gracefulf("connection loop exited")
		i.setErr(err)
	case errors.Is(err, context.Canceled):
		i.log.Debug("closed")
		return
	case IsGraceful(err):
		i.log.Infof("disconnecting due to: %v", err)
		i.setErr(err)
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(err, "network unreachable")
		}
		i.log.Infof("disconnecting due to: %v", err)
		i.setErr(err)
	}
}

func (i *Interface) connect(ctx context.Context) error {
	addr := i.server.Endpoint()
	var conn net.Conn
	if i.server.Protocol == ProtocolTLS {
		tlsCfg, err := i.network.certs.Bootstrap(ctx, i.server.Host, addr, i.dial)
		if err != nil {
			return err
		}
		raw, err := i.dial(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		tlsConn := tls.Client(raw, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return errors.Wrap(err, "tls handshake")
		}
		conn = tlsConn
	} else {
		var err error
		if conn, err = i.dial(ctx, "tcp", addr); err != nil {
			return err
		}
	}
	return i.openSession(ctx, conn)
}

// openSession drives one established connection until it dies: negotiate,
// subscribe, then fan out into the keep-alive loop and the tip follower.
func (i *Interface) openSession(ctx context.Context, conn net.Conn) error {
	headerQ := queue.NewConcurrentQueue(16)
	headerQ.Start()
	defer headerQ.Stop()
	// Closed before the queues stop so the session reader never blocks on
	// a dead queue.
	quit := make(chan struct{})
	defer close(quit)
	protoErr := make(chan error, 1)

	session := jsonrpc.NewSession(conn, func(n jsonrpc.Notification) {
		i.routeNotification(n, headerQ, protoErr, quit)
	})
	defer session.Close()
	i.mu.Lock()
	i.session = session
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.session = nil
		i.mu.Unlock()
	}()

	var ver []string
	if err := session.Call(ctx, &ver, "server.version", clientVersion, protocolVersion); err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			// Typically "unsupported protocol version".
			return gracefulf("server rejected session: %v", rpcErr)
		}
		return err
	}
	i.log.WithField("version", ver).Debug("connected")

	var sub headerNotification
	if err := session.Call(ctx, &sub, "blockchain.headers.subscribe"); err != nil {
		return err
	}
	first, err := blockchain.DeserializeHeaderHex(sub.Hex, sub.Height)
	if err != nil {
		return errors.Wrap(err, "subscription reply")
	}
	i.setTip(first)
	i.markReady(first)

	copyQ := queue.NewConcurrentQueue(16)
	copyQ.Start()
	defer copyQ.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return i.runFetchBlocks(gctx, first, copyQ)
	})
	g.Go(func() error {
		return i.keepAlive(gctx, session, headerQ, copyQ, protoErr)
	})
	return g.Wait()
}

// markReady adopts a chain for the advertised tip and fulfills the ready
// signal. If no known chain contains the tip header, chain 0 is adopted and
// the reconciler will sort it out.
func (i *Interface) markReady(tip *blockchain.Header) {
	chain := i.db.CheckHeader(tip)
	if chain == nil {
		chain = i.db.Genesis()
	}
	i.setChain(chain)
	i.log.WithField("height", chain.Height()).Debug("set blockchain")
	i.readyOnce.Do(func() { close(i.ready) })
}

func (i *Interface) routeNotification(n jsonrpc.Notification, headerQ *queue.ConcurrentQueue, protoErr chan error, quit chan struct{}) {
	switch n.Method {
	case "blockchain.headers.subscribe":
		var params []headerNotification
		if err := json.Unmarshal(n.Params, &params); err != nil || len(params) == 0 {
			i.sendProtoErr(protoErr, errors.New("malformed headers notification"))
			return
		}
		hdr, err := blockchain.DeserializeHeaderHex(params[0].Hex, params[0].Height)
		if err != nil {
			i.sendProtoErr(protoErr, errors.Wrap(err, "headers notification"))
			return
		}
		select {
		case headerQ.ChanIn() <- hdr:
		case <-quit:
		}
	case "blockchain.scripthash.subscribe":
		var params []string
		if err := json.Unmarshal(n.Params, &params); err != nil || len(params) != 2 {
			i.sendProtoErr(protoErr, errors.New("malformed scripthash notification"))
			return
		}
		i.scripthashQ.ChanIn() <- ScripthashStatus{Scripthash: params[0], Status: params[1]}
	default:
		i.sendProtoErr(protoErr, errors.Errorf("unexpected notification %q", n.Method))
	}
}

func (i *Interface) sendProtoErr(protoErr chan error, err error) {
	select {
	case protoErr <- err:
	default:
	}
}

// keepAlive waits for whichever comes first: a new tip header, the session
// dying, or the idle deadline. Only an idle expiry pings; a cancellation
// returns.
func (i *Interface) keepAlive(ctx context.Context, session *jsonrpc.Session,
	headerQ, copyQ *queue.ConcurrentQueue, protoErr chan error) error {

	idle := time.NewTimer(keepAliveInterval)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-protoErr:
			return err
		case <-session.Done():
			return gracefulf("connection loop exited")
		case v := <-headerQ.ChanOut():
			hdr := v.(*blockchain.Header)
			i.setTip(hdr)
			copyQ.ChanIn() <- hdr
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(keepAliveInterval)
		case <-idle.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := session.Call(pctx, nil, "server.ping")
			cancel()
			if err != nil {
				return gracefulf("ping failed: %v", err)
			}
			idle.Reset(keepAliveInterval)
		}
	}
}

// runFetchBlocks is the tip follower: it feeds every advertised header,
// including the initial subscription reply, through the reconciler under
// the shared chain-mutation lock.
func (i *Interface) runFetchBlocks(ctx context.Context, first *blockchain.Header, copyQ *queue.ConcurrentQueue) error {
	if i.Tip() < i.network.MaxCheckpoint() {
		return gracefulf("server tip below max checkpoint")
	}

	i.network.bhiMu.Lock()
	height := i.chainRef().Height() + 1
	i.network.bhiMu.Unlock()
	copyQ.ChanIn() <- first

	for {
		i.network.Notify("updated")
		var item *blockchain.Header
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-copyQ.ChanOut():
			item = v.(*blockchain.Header)
		}
		next, err := i.processHeader(ctx, item, height)
		if err != nil {
			return err
		}
		height = next
	}
}

// processHeader runs one follower iteration under the chain lock.
func (i *Interface) processHeader(ctx context.Context, item *blockchain.Header, height uint32) (uint32, error) {
	i.network.bhiMu.Lock()
	defer i.network.bhiMu.Unlock()

	if item.Height > 0 && i.chainRef().Height() < item.Height-1 {
		_, h, err := i.syncUntil(ctx, height, 0)
		if err != nil {
			return height, err
		}
		height = h
	}
	if i.chainRef().Height() >= height && i.chainRef().CheckHeader(item) {
		// Another interface already amended the chain.
		i.log.WithField("height", height).Debug("skipping header")
		return height, nil
	}
	if tip := i.Tip(); tip < height {
		height = tip
	}
	_, h, err := i.step(ctx, height, item)
	if err != nil {
		return height, err
	}
	return h, nil
}
