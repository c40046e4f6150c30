package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Socket is one endpoint of a tunneled UDP flow.
type Socket struct {
	Addr netip.Addr
	Port uint16
}

func (s Socket) String() string {
	return netip.AddrPortFrom(s.Addr, s.Port).String()
}

const (
	protoUDP = 17

	ipv4MinHeader = 20
	ipv6Header    = 40
	udpHeader     = 8
)

// ParseDatagram dissects a tunneled IP packet. It returns the UDP endpoints
// and payload when the packet is a well-formed IPv4 or IPv6 UDP datagram;
// ok is false for any other protocol, which the pipeline forwards opaquely.
// Truncated packets fail with ErrMalformedPacket.
func ParseDatagram(packet []byte) (src, dst Socket, payload []byte, ok bool, err error) {
	if len(packet) < 1 {
		return src, dst, nil, false, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4MinHeader {
			return src, dst, nil, false, fmt.Errorf("%w: short ipv4 header", ErrMalformedPacket)
		}
		ihl := int(packet[0]&0x0f) * 4
		total := int(binary.BigEndian.Uint16(packet[2:4]))
		if ihl < ipv4MinHeader || total < ihl || total > len(packet) {
			return src, dst, nil, false, fmt.Errorf("%w: ipv4 lengths", ErrMalformedPacket)
		}
		if packet[9] != protoUDP {
			return src, dst, nil, false, nil
		}
		// Fragments past the first carry no UDP header.
		if flagsFrag := binary.BigEndian.Uint16(packet[6:8]); flagsFrag&0x1fff != 0 {
			return src, dst, nil, false, nil
		}
		if total < ihl+udpHeader {
			return src, dst, nil, false, fmt.Errorf("%w: short udp header", ErrMalformedPacket)
		}
		src.Addr = netip.AddrFrom4([4]byte(packet[12:16]))
		dst.Addr = netip.AddrFrom4([4]byte(packet[16:20]))
		udp := packet[ihl:total]
		src.Port = binary.BigEndian.Uint16(udp[0:2])
		dst.Port = binary.BigEndian.Uint16(udp[2:4])
		ulen := int(binary.BigEndian.Uint16(udp[4:6]))
		if ulen < udpHeader || ulen > len(udp) {
			return src, dst, nil, false, fmt.Errorf("%w: udp length", ErrMalformedPacket)
		}
		return src, dst, udp[udpHeader:ulen], true, nil
	case 6:
		if len(packet) < ipv6Header {
			return src, dst, nil, false, fmt.Errorf("%w: short ipv6 header", ErrMalformedPacket)
		}
		// Extension headers are not chased; a next-header chain is treated
		// as non-UDP and forwarded opaquely.
		if packet[6] != protoUDP {
			return src, dst, nil, false, nil
		}
		plen := int(binary.BigEndian.Uint16(packet[4:6]))
		if plen < udpHeader || ipv6Header+plen > len(packet) {
			return src, dst, nil, false, fmt.Errorf("%w: ipv6 lengths", ErrMalformedPacket)
		}
		src.Addr = netip.AddrFrom16([16]byte(packet[8:24]))
		dst.Addr = netip.AddrFrom16([16]byte(packet[24:40]))
		udp := packet[ipv6Header : ipv6Header+plen]
		src.Port = binary.BigEndian.Uint16(udp[0:2])
		dst.Port = binary.BigEndian.Uint16(udp[2:4])
		ulen := int(binary.BigEndian.Uint16(udp[4:6]))
		if ulen < udpHeader || ulen > len(udp) {
			return src, dst, nil, false, fmt.Errorf("%w: udp length", ErrMalformedPacket)
		}
		return src, dst, udp[udpHeader:ulen], true, nil
	default:
		return src, dst, nil, false, fmt.Errorf("%w: ip version %d", ErrMalformedPacket, packet[0]>>4)
	}
}

// BuildDatagram assembles a tunneled UDP datagram from src to dst. IPv4
// carries a header checksum and a zero UDP checksum; IPv6 carries the
// mandatory pseudo-header UDP checksum.
func BuildDatagram(src, dst Socket, payload []byte) []byte {
	if src.Addr.Is4() && dst.Addr.Is4() {
		total := ipv4MinHeader + udpHeader + len(payload)
		buf := make([]byte, total)
		buf[0] = 0x45
		binary.BigEndian.PutUint16(buf[2:4], uint16(total))
		buf[8] = 64 // ttl
		buf[9] = protoUDP
		s4, d4 := src.Addr.As4(), dst.Addr.As4()
		copy(buf[12:16], s4[:])
		copy(buf[16:20], d4[:])
		binary.BigEndian.PutUint16(buf[10:12], headerChecksum(buf[:ipv4MinHeader]))
		udp := buf[ipv4MinHeader:]
		binary.BigEndian.PutUint16(udp[0:2], src.Port)
		binary.BigEndian.PutUint16(udp[2:4], dst.Port)
		binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeader+len(payload)))
		copy(udp[udpHeader:], payload)
		return buf
	}
	total := ipv6Header + udpHeader + len(payload)
	buf := make([]byte, total)
	buf[0] = 0x60
	binary.BigEndian.PutUint16(buf[4:6], uint16(udpHeader+len(payload)))
	buf[6] = protoUDP
	buf[7] = 64 // hop limit
	s16, d16 := src.Addr.As16(), dst.Addr.As16()
	copy(buf[8:24], s16[:])
	copy(buf[24:40], d16[:])
	udp := buf[ipv6Header:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port)
	binary.BigEndian.PutUint16(udp[2:4], dst.Port)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeader+len(payload)))
	copy(udp[udpHeader:], payload)
	sum := pseudoChecksumV6(s16, d16, udp)
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(udp[6:8], sum)
	return buf
}

func headerChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

func pseudoChecksumV6(src, dst [16]byte, udp []byte) uint16 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	add(src[:])
	add(dst[:])
	sum += uint32(len(udp))
	sum += protoUDP
	// Checksum field itself counts as zero.
	add(udp[:6])
	add(udp[8:])
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
