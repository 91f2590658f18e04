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

	"github.com/pkg/errors"
)

// DisconnectError is a graceful disconnect: the interface shuts down with a
// one-line reason and no stack trace. The server misbehaved or refused us;
// nothing on our side is broken.
type DisconnectError struct {
	Reason string
}

func (e *DisconnectError) Error() string { return e.Reason }

func gracefulf(format string, args ...interface{}) *DisconnectError {
	return &DisconnectError{Reason: fmt.Sprintf(format, args...)}
}

// IsGraceful reports whether the error is a graceful disconnect.
func IsGraceful(err error) bool {
	var d *DisconnectError
	return errors.As(err, &d)
}

var (
	// ErrNotConnected is returned by requests issued while no session is
	// live.
	ErrNotConnected = errors.New("interface not connected")

	// errCheckpointConflict means the server's chain disagrees with history
	// we refuse to reconsider.
	errCheckpointConflict = &DisconnectError{
		Reason: "server chain conflicts with checkpoints or genesis",
	}
)
