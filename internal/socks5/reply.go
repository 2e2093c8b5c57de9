package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/tunnelstream/internal/connerr"
)

// replyPrefixLen is the number of reply bytes needed before the total reply
// length is known: VER REP RSV ATYP plus the domain length byte.
const replyPrefixLen = 5

// Reply is a parsed CONNECT reply.
type Reply struct {
	Status byte
	Atyp   byte
	// Addr is the bound address without the domain length prefix.
	Addr []byte
	Port uint16
}

// BoundAddr returns the bound host:port reported by the proxy.
func (r *Reply) BoundAddr() string {
	var host string
	switch r.Atyp {
	case txsocks5.ATYPIPv4, txsocks5.ATYPIPv6:
		host = net.IP(r.Addr).String()
	default:
		host = string(r.Addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(r.Port)))
}

// replyLen returns the total reply length implied by atyp and the fifth
// reply byte, or 0 for an unknown address type.
func replyLen(atyp, lenByte byte) int {
	switch atyp {
	case txsocks5.ATYPIPv4:
		return 4 + net.IPv4len + 2
	case txsocks5.ATYPIPv6:
		return 4 + net.IPv6len + 2
	case txsocks5.ATYPDomain:
		return 4 + 1 + int(lenByte) + 2
	default:
		return 0
	}
}

// ReadReply reads exactly one CONNECT reply from r and requires a success
// status. It never reads past the end of the reply, so any bytes the proxy
// relays after it stay in r.
func ReadReply(r io.Reader) (*Reply, error) {
	buf := make([]byte, replyPrefixLen, 4+1+255+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, readError(err)
	}

	if buf[0] != txsocks5.Ver {
		return nil, connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("unexpected reply version 0x%02x", buf[0]))
	}
	if buf[1] != txsocks5.RepSuccess {
		return nil, connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("reply status 0x%02x (%s)", buf[1], replyMessage(buf[1])))
	}
	if buf[2] != 0x00 {
		return nil, connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("non-zero reserved byte 0x%02x", buf[2]))
	}

	total := replyLen(buf[3], buf[4])
	if total == 0 {
		return nil, connerr.New(connerr.ProtocolViolation, "socks5", "", fmt.Sprintf("unknown address type 0x%02x", buf[3]))
	}

	buf = buf[:total]
	if _, err := io.ReadFull(r, buf[replyPrefixLen:]); err != nil {
		return nil, readError(err)
	}

	addr := buf[4 : total-2]
	if buf[3] == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	return &Reply{
		Status: buf[1],
		Atyp:   buf[3],
		Addr:   addr,
		Port:   binary.BigEndian.Uint16(buf[total-2:]),
	}, nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return connerr.Wrap(connerr.ProtocolViolation, "socks5", "", fmt.Errorf("proxy closed connection mid-handshake: %w", err))
	}
	return connerr.Wrap(connerr.IO, "socks5", "", fmt.Errorf("read reply: %w", err))
}

func replyMessage(rep byte) string {
	switch rep {
	case txsocks5.RepSuccess:
		return "succeeded"
	case txsocks5.RepServerFailure:
		return "general SOCKS server failure"
	case txsocks5.RepNotAllowed:
		return "connection not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return "unknown error"
	}
}
