package net

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Reliable-UDP control opcodes, the first byte of every datagram.
const (
	kcpSYN          byte = 1
	kcpACK          byte = 2
	kcpFIN          byte = 3
	kcpMSG          byte = 4
	kcpReconnectSYN byte = 5
	kcpReconnectACK byte = 6
)

const (
	// [op][sender localConn][sender remoteConn]
	kcpHeadSize      = 9
	kcpFinSize       = 13
	kcpReconnectSize = 13

	// the datagram read buffer; larger datagrams are truncated and dropped
	kcpMaxDatagram = 2048
	// first 4 bytes zero marks a fragmentation header
	kcpSplitHeadSize = 8
)

// kcpHead is a packet header seen from the receiver: remoteConn is the sender's
// local conn and localConn is the conn the sender believes we own.
type kcpHead struct {
	op         byte
	remoteConn uint32
	localConn  uint32
}

func decodeKcpHead(b []byte) (kcpHead, bool) {
	if len(b) < kcpHeadSize {
		return kcpHead{}, false
	}
	return kcpHead{
		op:         b[0],
		remoteConn: binary.LittleEndian.Uint32(b[1:5]),
		localConn:  binary.LittleEndian.Uint32(b[5:9]),
	}, true
}

// putKcpHead writes a header from the sender's point of view.
func putKcpHead(b []byte, op byte, localConn, remoteConn uint32) {
	b[0] = op
	binary.LittleEndian.PutUint32(b[1:5], localConn)
	binary.LittleEndian.PutUint32(b[5:9], remoteConn)
}

func encodeKcpSYN(b []byte, localConn, remoteConn uint32, realAddr string) []byte {
	putKcpHead(b, kcpSYN, localConn, remoteConn)
	n := kcpHeadSize + copy(b[kcpHeadSize:], realAddr)
	return b[:n]
}

func encodeKcpACK(b []byte, localConn, remoteConn uint32) []byte {
	putKcpHead(b, kcpACK, localConn, remoteConn)
	return b[:kcpHeadSize]
}

func encodeKcpFIN(b []byte, localConn, remoteConn uint32, code ErrorCode) []byte {
	putKcpHead(b, kcpFIN, localConn, remoteConn)
	binary.LittleEndian.PutUint32(b[9:13], uint32(code))
	return b[:kcpFinSize]
}

func encodeKcpReconnect(b []byte, op byte, localConn, remoteConn, reconnectID uint32) []byte {
	putKcpHead(b, op, localConn, remoteConn)
	binary.LittleEndian.PutUint32(b[9:13], reconnectID)
	return b[:kcpReconnectSize]
}

// trailer of a FIN or reconnect packet
func kcpTrailer(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[9:13])
}

// encodeSplitHead writes the 8 byte fragmentation header announcing total bytes.
func encodeSplitHead(b []byte, total int) []byte {
	binary.LittleEndian.PutUint32(b[0:4], 0)
	binary.LittleEndian.PutUint32(b[4:8], uint32(total))
	return b[:kcpSplitHeadSize]
}

// decodeSplitHead reports the declared total of an 8 byte fragmentation header.
func decodeSplitHead(b []byte) (int, bool) {
	if len(b) != kcpSplitHeadSize || binary.LittleEndian.Uint32(b[0:4]) != 0 {
		return 0, false
	}
	return int(int32(binary.LittleEndian.Uint32(b[4:8]))), true
}

// parseRealAddr turns the host:port carried by a routed SYN into an address.
func parseRealAddr(s string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, ErrInvalidAddress
	}
	return &net.UDPAddr{IP: ip, Port: p}, nil
}
