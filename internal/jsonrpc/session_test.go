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

package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer scripts the remote end of a session over a pipe.
type testServer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTestServer(t *testing.T) (*Session, *testServer, chan Notification) {
	t.Helper()
	client, server := net.Pipe()
	notifications := make(chan Notification, 16)
	s := NewSession(client, func(n Notification) { notifications <- n })
	t.Cleanup(func() { s.Close() })
	return s, &testServer{conn: server, r: bufio.NewReader(server)}, notifications
}

func (ts *testServer) readRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	line, err := ts.r.ReadBytes('\n')
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &req))
	return req
}

func (ts *testServer) write(t *testing.T, line string) {
	t.Helper()
	_, err := ts.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestCallResponse(t *testing.T) {
	s, ts, _ := newTestServer(t)

	type result struct {
		versions []string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		var versions []string
		err := s.Call(context.Background(), &versions, "server.version", "client", "1.2")
		done <- result{versions, err}
	}()

	req := ts.readRequest(t)
	assert.Equal(t, "server.version", req["method"])
	assert.Equal(t, []interface{}{"client", "1.2"}, req["params"])
	id := uint64(req["id"].(float64))
	ts.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":["ElectrumX 1.8","1.2"]}`, id))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []string{"ElectrumX 1.8", "1.2"}, res.versions)
}

func TestCallError(t *testing.T) {
	s, ts, _ := newTestServer(t)

	done := make(chan error, 1)
	go func() {
		done <- s.Call(context.Background(), nil, "server.version", "client", "9.9")
	}()

	req := ts.readRequest(t)
	id := uint64(req["id"].(float64))
	ts.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":1,"message":"unsupported protocol version"}}`, id))

	err := <-done
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 1, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "unsupported protocol version")
}

func TestNotificationRouting(t *testing.T) {
	_, ts, notifications := newTestServer(t)

	ts.write(t, `{"jsonrpc":"2.0","method":"blockchain.headers.subscribe","params":[{"hex":"00","height":12}]}`)

	select {
	case n := <-notifications:
		assert.Equal(t, "blockchain.headers.subscribe", n.Method)
		assert.JSONEq(t, `[{"hex":"00","height":12}]`, string(n.Params))
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCallContextCancel(t *testing.T) {
	s, ts, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Call(ctx, nil, "server.ping")
	}()
	ts.readRequest(t)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionTeardown(t *testing.T) {
	s, ts, _ := newTestServer(t)

	done := make(chan error, 1)
	go func() {
		done <- s.Call(context.Background(), nil, "server.ping")
	}()
	ts.readRequest(t)
	ts.conn.Close()

	assert.ErrorIs(t, <-done, ErrSessionClosed)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not signal teardown")
	}
	assert.Error(t, s.Err())
	assert.ErrorIs(t, s.Call(context.Background(), nil, "server.ping"), s.Err())
}

func TestMalformedLineKillsSession(t *testing.T) {
	s, ts, _ := newTestServer(t)

	ts.write(t, `not json`)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session survived malformed input")
	}
	assert.Error(t, s.Err())
}
