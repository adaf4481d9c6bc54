// Package stun implements the minimal subset of RFC 5389 needed to learn
// this host's public UDP endpoint: a binding request and the
// XOR-MAPPED-ADDRESS decode of its response.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	MagicCookie uint32 = 0x2112A442

	HeaderSize        = 20
	TransactionIDSize = 12

	TypeBindingRequest uint16 = 0x0001
	TypeBindingSuccess uint16 = 0x0101

	AttrMappedAddress    uint16 = 0x0001
	AttrXORMappedAddress uint16 = 0x0020

	FamilyIPv4 uint16 = 0x01
)

// TransactionID is the 12 random bytes identifying one binding round-trip.
type TransactionID [TransactionIDSize]byte

func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate transaction id: %w", err)
	}
	return id, nil
}

// BindingRequest encodes a 20-byte binding request with no attributes.
func BindingRequest(id TransactionID) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], TypeBindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], id[:])
	return buf
}

// ParseBindingRequest recognizes a binding request and extracts its
// transaction id. Used by the relay's echo listener to act as a minimal
// STUN responder.
func ParseBindingRequest(data []byte) (TransactionID, bool) {
	var id TransactionID
	if len(data) < HeaderSize {
		return id, false
	}
	if binary.BigEndian.Uint16(data[0:2]) != TypeBindingRequest {
		return id, false
	}
	if binary.BigEndian.Uint32(data[4:8]) != MagicCookie {
		return id, false
	}
	copy(id[:], data[8:20])
	return id, true
}

// ParseBindingResponse validates a binding success response against the
// request's transaction id and returns the XOR-decoded mapped address.
// Any mismatch or malformed attribute is an error; the response must never
// be trusted partially.
func ParseBindingResponse(data []byte, id TransactionID) (*net.UDPAddr, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])

	if cookie != MagicCookie {
		return nil, fmt.Errorf("invalid magic cookie: 0x%08X", cookie)
	}
	var echoed TransactionID
	copy(echoed[:], data[8:20])
	if echoed != id {
		return nil, fmt.Errorf("transaction id mismatch")
	}
	if msgType != TypeBindingSuccess {
		return nil, fmt.Errorf("unexpected message type 0x%04X", msgType)
	}
	if len(data) < HeaderSize+int(msgLen) {
		return nil, fmt.Errorf("truncated response: want %d bytes, got %d", HeaderSize+int(msgLen), len(data))
	}

	// Walk attributes, 4-byte aligned, until XOR-MAPPED-ADDRESS shows up.
	offset := HeaderSize
	end := HeaderSize + int(msgLen)
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+attrLen > end {
			return nil, fmt.Errorf("incomplete attribute 0x%04X at offset %d", attrType, offset)
		}
		value := data[offset+4 : offset+4+attrLen]
		if attrType == AttrXORMappedAddress {
			return decodeXORMappedAddress(value)
		}
		step := 4 + attrLen
		if pad := step % 4; pad != 0 {
			step += 4 - pad
		}
		offset += step
	}
	return nil, fmt.Errorf("no XOR-MAPPED-ADDRESS attribute")
}

func decodeXORMappedAddress(value []byte) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf("XOR-MAPPED-ADDRESS too short: %d bytes", len(value))
	}
	family := binary.BigEndian.Uint16(value[0:2])
	if family != FamilyIPv4 {
		return nil, fmt.Errorf("unsupported address family 0x%02X", family)
	}
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(MagicCookie>>16)
	addr := binary.BigEndian.Uint32(value[4:8]) ^ MagicCookie
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, addr)
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// EncodeBindingSuccess builds a binding success response carrying one
// XOR-MAPPED-ADDRESS attribute for addr. Used by the relay's STUN-style
// echo listener and by tests.
func EncodeBindingSuccess(id TransactionID, addr *net.UDPAddr) ([]byte, error) {
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("only IPv4 addresses supported")
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint16(value[0:2], FamilyIPv4)
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	binary.BigEndian.PutUint32(value[4:8], binary.BigEndian.Uint32(ip)^MagicCookie)

	buf := make([]byte, HeaderSize+4+len(value))
	binary.BigEndian.PutUint16(buf[0:2], TypeBindingSuccess)
	binary.BigEndian.PutUint16(buf[2:4], uint16(4+len(value)))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], id[:])
	binary.BigEndian.PutUint16(buf[20:22], AttrXORMappedAddress)
	binary.BigEndian.PutUint16(buf[22:24], uint16(len(value)))
	copy(buf[24:], value)
	return buf, nil
}
