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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// HeaderSize is the serialized size of a block header on the wire and on disk.
const HeaderSize = 80

// Hash is a block header hash in internal byte order.
type Hash [32]byte

// String returns the hash in the conventional reversed hex form.
func (h Hash) String() string {
	var rev [32]byte
	for i := 0; i < 32; i++ {
		rev[i] = h[31-i]
	}
	return hex.EncodeToString(rev[:])
}

// Header is one deserialized block header. Height is not part of the wire
// form; it is attached when the header is received or read from disk.
type Header struct {
	Version    uint32
	PrevHash   Hash
	MerkleRoot Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32

	Height uint32
}

// Serialize returns the 80-byte wire form of the header.
func (h *Header) Serialize() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Version)
	copy(b[4:36], h.PrevHash[:])
	copy(b[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(b[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(b[72:76], h.Bits)
	binary.LittleEndian.PutUint32(b[76:80], h.Nonce)
	return b
}

// Hash returns the double-SHA256 of the serialized header.
func (h *Header) Hash() Hash {
	first := sha256.Sum256(h.Serialize())
	return sha256.Sum256(first[:])
}

// Hex returns the hex wire form of the header.
func (h *Header) Hex() string {
	return hex.EncodeToString(h.Serialize())
}

// DeserializeHeader decodes an 80-byte header and attaches the given height.
func DeserializeHeader(data []byte, height uint32) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, errors.Errorf("invalid header length %d", len(data))
	}
	h := &Header{Height: height}
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	copy(h.PrevHash[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])
	h.Timestamp = binary.LittleEndian.Uint32(data[68:72])
	h.Bits = binary.LittleEndian.Uint32(data[72:76])
	h.Nonce = binary.LittleEndian.Uint32(data[76:80])
	return h, nil
}

// DeserializeHeaderHex decodes a hex-encoded header as served over the wire.
func DeserializeHeaderHex(s string, height uint32) (*Header, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "malformed header hex")
	}
	return DeserializeHeader(data, height)
}
