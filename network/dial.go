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
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/pkg/errors"

	"github.com/zhoudaqing/electrum/cert"
	"github.com/zhoudaqing/electrum/config"
)

// newDialer builds the dial function all of an interface's connections go
// through. Without a proxy it is a plain dialer; with one, connections are
// tunneled over SOCKS5 (with optional auth) or SOCKS4a.
func newDialer(proxy *config.Proxy) cert.DialFunc {
	if proxy == nil {
		var d net.Dialer
		return d.DialContext
	}
	proxyAddr := net.JoinHostPort(proxy.Host, strconv.Itoa(int(proxy.Port)))
	if proxy.Mode == "socks4" {
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSocks4a(ctx, proxyAddr, addr)
		}
	}
	p := &socks.Proxy{
		Addr:     proxyAddr,
		Username: proxy.User,
		Password: proxy.Password,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if deadline, ok := ctx.Deadline(); ok {
			return p.DialTimeout(network, addr, time.Until(deadline))
		}
		return p.Dial(network, addr)
	}
}

// dialSocks4a tunnels a connection through a SOCKS4a proxy. The 4a variant
// sends the hostname so the proxy resolves it; SOCKS4a has no authentication
// beyond the (empty) user id.
func dialSocks4a(ctx context.Context, proxyAddr, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad target %q", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "bad target port %q", portStr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, errors.Wrap(err, "dial socks4a proxy")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// VN=4, CD=1 (connect), destination port, the invalid IP 0.0.0.1
	// signalling that the hostname follows.
	req := []byte{4, 1, 0, 0, 0, 0, 0, 1}
	binary.BigEndian.PutUint16(req[2:4], uint16(port))
	req = append(req, 0) // empty user id
	req = append(req, host...)
	req = append(req, 0)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "socks4a request")
	}
	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "socks4a response")
	}
	if resp[1] != 0x5a {
		conn.Close()
		return nil, errors.Errorf("socks4a request rejected (code %#x)", resp[1])
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}
