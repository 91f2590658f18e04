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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Server protocols. Servers are addressed as host:port:protocol, where the
// protocol is a single letter.
const (
	ProtocolTCP = "t"
	ProtocolTLS = "s"
)

// ServerAddr identifies one server endpoint.
type ServerAddr struct {
	Host     string
	Port     uint16
	Protocol string
}

// ParseServer parses the host:port:protocol form.
func ParseServer(s string) (ServerAddr, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ServerAddr{}, errors.Errorf("malformed server %q", s)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || port == 0 {
		return ServerAddr{}, errors.Errorf("malformed server port in %q", s)
	}
	switch parts[2] {
	case ProtocolTCP, ProtocolTLS:
	default:
		return ServerAddr{}, errors.Errorf("unknown server protocol %q", parts[2])
	}
	return ServerAddr{Host: parts[0], Port: uint16(port), Protocol: parts[2]}, nil
}

// String returns the host:port:protocol form.
func (a ServerAddr) String() string {
	return fmt.Sprintf("%s:%d:%s", a.Host, a.Port, a.Protocol)
}

// Endpoint returns the dialable host:port.
func (a ServerAddr) Endpoint() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
