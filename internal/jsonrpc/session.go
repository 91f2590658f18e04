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

// Package jsonrpc implements the client side of the newline-delimited
// JSON-RPC protocol spoken by Electrum servers: concurrent request/response
// correlation over one connection, with server-initiated notifications
// handed to a callback.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "jsonrpc")

// Lines are usually small; bulk header chunks run to a few hundred KB of hex.
const maxLineSize = 4 * 1024 * 1024

// ErrSessionClosed is returned by Call once the session is torn down.
var ErrSessionClosed = errors.New("jsonrpc: session closed")

var noDeadline time.Time

// Error is a JSON-RPC error object returned by the server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// Notification is a server-initiated message: a request without an id.
type Notification struct {
	Method string
	Params json.RawMessage
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// Session is one JSON-RPC connection. A reader goroutine owns the wire;
// Call is safe for concurrent use.
type Session struct {
	conn   net.Conn
	notify func(Notification)

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession starts a session over the given connection. notify is invoked
// from the reader goroutine for every server notification; it must not
// block indefinitely.
func NewSession(conn net.Conn, notify func(Notification)) *Session {
	s := &Session{
		conn:    conn,
		notify:  notify,
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Done is closed when the reader goroutine exits, i.e. when the connection
// is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. Valid after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down. Pending calls fail with ErrSessionClosed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Call issues a request and decodes the result into result (which may be nil
// to discard it). A JSON-RPC error response is returned as *Error.
func (s *Session) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.nextID++
	id := s.nextID
	call := &pendingCall{done: make(chan struct{})}
	s.pending[id] = call
	s.mu.Unlock()

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		s.dropPending(id)
		return errors.Wrap(err, "marshal request")
	}
	payload = append(payload, '\n')

	s.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(noDeadline)
	}
	_, err = s.conn.Write(payload)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		s.fail(errors.Wrap(err, "write request"))
		return errors.Wrapf(err, "send %s", method)
	}

	select {
	case <-ctx.Done():
		s.dropPending(id)
		return ctx.Err()
	case <-call.done:
	}
	if call.err != nil {
		return call.err
	}
	if result != nil && len(call.result) > 0 {
		if err := json.Unmarshal(call.result, result); err != nil {
			return errors.Wrapf(err, "decode %s result", method)
		}
	}
	return nil
}

func (s *Session) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// fail records the terminal error and unblocks every pending call. The first
// cause wins.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	calls := s.pending
	s.pending = make(map[uint64]*pendingCall)
	s.mu.Unlock()
	for _, c := range calls {
		c.err = ErrSessionClosed
		close(c.done)
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	reader := bufio.NewReaderSize(s.conn, 64*1024)
	for {
		line, err := readLine(reader)
		if err != nil {
			s.fail(err)
			s.Close()
			return
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.fail(errors.Wrap(err, "malformed message"))
			s.Close()
			return
		}
		if msg.ID == nil {
			if msg.Method == "" {
				s.fail(errors.New("message with neither id nor method"))
				s.Close()
				return
			}
			if s.notify != nil {
				s.notify(Notification{Method: msg.Method, Params: msg.Params})
			}
			continue
		}
		s.mu.Lock()
		call, ok := s.pending[*msg.ID]
		delete(s.pending, *msg.ID)
		s.mu.Unlock()
		if !ok {
			log.WithField("id", *msg.ID).Debug("response for unknown request")
			continue
		}
		if msg.Error != nil {
			call.err = msg.Error
		} else {
			call.result = msg.Result
		}
		close(call.done)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(line) > maxLineSize {
			return nil, errors.New("line exceeds maximum size")
		}
	}
}
