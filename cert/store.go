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

// Package cert manages the per-host certificate cache backing the client's
// trust decisions. A host's cache file is either absent, an empty sentinel
// (the server presented a CA-valid chain), or one pinned PEM certificate
// captured on first contact and used as the sole trust anchor thereafter.
package cert

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "cert")

const (
	// pinAttempts bounds how often the pin capture retries while the
	// server has not yet produced a certificate.
	pinAttempts      = 10
	pinRetryInterval = time.Second
)

var (
	// ErrBootstrapExhausted means the pin capture retries all failed to
	// obtain a certificate.
	ErrBootstrapExhausted = errors.New("cert: could not obtain server certificate")

	// ErrPinMismatch means the server presented a certificate other than
	// the pinned one.
	ErrPinMismatch = errors.New("cert: server certificate does not match pin")
)

// DialFunc opens the raw connection used for trust probes, honoring any
// configured proxy.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Store is the on-disk certificate cache for all hosts, rooted at one
// directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the cache file for a host.
func (s *Store) Path(host string) string {
	return filepath.Join(s.dir, host)
}

type pinState int

const (
	stateAbsent pinState = iota
	stateCASigned
	statePinned
)

// load classifies the cache file for a host. An unparseable file counts as
// absent; an expired pin is deleted and counts as absent.
func (s *Store) load(host string) (pinState, *x509.Certificate) {
	contents, err := os.ReadFile(s.Path(host))
	if err != nil {
		return stateAbsent, nil
	}
	if len(contents) == 0 {
		return stateCASigned, nil
	}
	block, _ := pem.Decode(contents)
	if block == nil || block.Type != "CERTIFICATE" {
		return stateAbsent, nil
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return stateAbsent, nil
	}
	now := time.Now()
	if now.Before(parsed.NotBefore) || now.After(parsed.NotAfter) {
		log.WithField("host", host).Info("pinned certificate outside validity window, discarding")
		os.Remove(s.Path(host))
		return stateAbsent, nil
	}
	return statePinned, parsed
}

// Bootstrap produces a TLS config for one host, establishing trust first if
// the host is unknown: a CA-validated probe, falling back to pinning the
// server's self-signed certificate.
func (s *Store) Bootstrap(ctx context.Context, host, addr string, dial DialFunc) (*tls.Config, error) {
	state, pinned := s.load(host)
	if state == stateAbsent {
		caSigned, err := s.probeCASigned(ctx, host, addr, dial)
		if err != nil {
			return nil, err
		}
		if caSigned {
			// An empty file records that the host is CA-signed.
			if err := s.writeFile(host, nil); err != nil {
				return nil, err
			}
			state = stateCASigned
		} else {
			pinned, err = s.savePin(ctx, host, addr, dial)
			if err != nil {
				return nil, err
			}
			state = statePinned
		}
	}
	if state == stateCASigned {
		return &tls.Config{ServerName: host}, nil
	}
	return pinnedConfig(pinned), nil
}

// probeCASigned opens a TLS session against the system trust store and
// closes it immediately. A verification failure routes to the pinning path;
// any other failure is terminal.
func (s *Store) probeCASigned(ctx context.Context, host, addr string, dial DialFunc) (bool, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return false, errors.Wrapf(err, "dial %s", addr)
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	err = tlsConn.HandshakeContext(ctx)
	tlsConn.Close()
	if err == nil {
		return true, nil
	}
	if isVerificationFailure(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "probe %s", addr)
}

func isVerificationFailure(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}

// savePin captures the server's certificate with verification disabled and
// persists it. The handshake may not have produced a certificate yet, so it
// retries a few times.
func (s *Store) savePin(ctx context.Context, host, addr string, dial DialFunc) (*x509.Certificate, error) {
	for i := 0; i < pinAttempts; i++ {
		der, err := fetchPeerCertificate(ctx, addr, dial)
		if err != nil {
			return nil, err
		}
		if der != nil {
			log.WithField("host", host).Info("pinned self-signed certificate")
			encoded := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
			if err := s.writeFile(host, normalizePEM(encoded)); err != nil {
				return nil, err
			}
			return x509.ParseCertificate(der)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pinRetryInterval):
		}
	}
	return nil, ErrBootstrapExhausted
}

func fetchPeerCertificate(ctx context.Context, addr string, dial DialFunc) ([]byte, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	defer tlsConn.Close()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		// No certificate yet; the caller retries.
		return nil, nil
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, nil
	}
	return certs[0].Raw, nil
}

var endMarkerRe = regexp.MustCompile(`([^\n])-----END CERTIFICATE-----`)

// normalizePEM makes sure every END CERTIFICATE marker sits on its own line;
// some TLS stacks emit the final payload byte glued to the marker.
func normalizePEM(b []byte) []byte {
	return endMarkerRe.ReplaceAll(b, []byte("$1\n-----END CERTIFICATE-----"))
}

// writeFile persists atomically: write to a temp file, fsync, rename.
func (s *Store) writeFile(host string, contents []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create certs dir")
	}
	tmp := s.Path(host) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create cert file")
	}
	if len(contents) > 0 {
		if _, err := f.Write(contents); err != nil {
			f.Close()
			return errors.Wrap(err, "write cert file")
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync cert file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close cert file")
	}
	return errors.Wrap(os.Rename(tmp, s.Path(host)), "publish cert file")
}

// pinnedConfig trusts exactly the pinned certificate. Hostname verification
// is disabled; the pin subsumes it.
func pinnedConfig(pinned *x509.Certificate) *tls.Config {
	raw := pinned.Raw
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) > 0 && bytes.Equal(rawCerts[0], raw) {
				return nil
			}
			return ErrPinMismatch
		},
	}
}
