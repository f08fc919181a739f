// Package header implements the relay core's address-header parser
// collaborator (spec.md §6): ATYP + address + 2-byte big-endian port,
// shared by the SOCKS5 request on the local side and the encrypted
// address header exchanged between local and remote.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Address type octets, shared with the SOCKS5 subset spec.md §6 defines.
const (
	AddrIPv4   byte = 0x01
	AddrDomain byte = 0x03
	AddrIPv6   byte = 0x04
)

// ErrIncomplete means data does not yet contain a full header. This is not
// a parse failure: both callers (the local-role SOCKS5 request parser and
// the remote-role header parser) treat it as "wait for more bytes",
// leaving the accumulated buffer in place and returning to the dispatch
// loop rather than tearing the connection down.
var ErrIncomplete = errors.New("header: incomplete")

// ErrUnsupportedAddrType means the leading ATYP octet is not one this
// parser recognizes.
var ErrUnsupportedAddrType = errors.New("header: unsupported address type")

// Header is the decoded result: address type, host (dotted-quad, IPv6
// literal, or domain name), port, and the byte count consumed from the
// input so the caller can split off trailing payload bytes.
type Header struct {
	AddrType byte
	Host     string
	Port     uint16
	Consumed int
}

// Parse decodes a header prefix out of data. On success it returns the
// decoded Header; any bytes in data past Consumed are payload, not header.
func Parse(data []byte) (*Header, error) {
	if len(data) < 1 {
		return nil, ErrIncomplete
	}

	atyp := data[0]
	var addrLen int
	var host string

	switch atyp {
	case AddrIPv4:
		addrLen = net.IPv4len
		if len(data) < 1+addrLen {
			return nil, ErrIncomplete
		}
		host = net.IP(data[1 : 1+addrLen]).String()

	case AddrIPv6:
		addrLen = net.IPv6len
		if len(data) < 1+addrLen {
			return nil, ErrIncomplete
		}
		host = net.IP(data[1 : 1+addrLen]).String()

	case AddrDomain:
		if len(data) < 2 {
			return nil, ErrIncomplete
		}
		domainLen := int(data[1])
		if domainLen == 0 {
			return nil, fmt.Errorf("header: zero-length domain")
		}
		if len(data) < 2+domainLen {
			return nil, ErrIncomplete
		}
		host = string(data[2 : 2+domainLen])
		addrLen = 1 + domainLen // the 1-byte length prefix plus the name

	default:
		return nil, ErrUnsupportedAddrType
	}

	headerLen := 1 + addrLen
	if len(data) < headerLen+2 {
		return nil, ErrIncomplete
	}
	port := binary.BigEndian.Uint16(data[headerLen : headerLen+2])

	return &Header{
		AddrType: atyp,
		Host:     host,
		Port:     port,
		Consumed: headerLen + 2,
	}, nil
}

// Encode serializes atyp/host/port back into wire form; it is the inverse
// of Parse. The relay handler does not call it: it forwards the request's
// raw header bytes and builds the UDP-associate reply itself.
func Encode(atyp byte, host string, port uint16) ([]byte, error) {
	var addr []byte
	switch atyp {
	case AddrIPv4:
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return nil, fmt.Errorf("header: %q is not a valid IPv4 address", host)
		}
		addr = ip

	case AddrIPv6:
		ip := net.ParseIP(host).To16()
		if ip == nil {
			return nil, fmt.Errorf("header: %q is not a valid IPv6 address", host)
		}
		addr = ip

	case AddrDomain:
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("header: domain length %d out of range", len(host))
		}
		addr = append([]byte{byte(len(host))}, []byte(host)...)

	default:
		return nil, ErrUnsupportedAddrType
	}

	out := make([]byte, 0, 1+len(addr)+2)
	out = append(out, atyp)
	out = append(out, addr...)
	out = binary.BigEndian.AppendUint16(out, port)
	return out, nil
}
