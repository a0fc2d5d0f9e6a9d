// Package tcpengine implements a pure, side-effect-free TCP receive-path
// protocol engine: the RFC793-bis connection state machine, segment
// acceptance rules (including the RFC5961 challenge-ACK policy) and control
// block bookkeeping live in the tcp subpackage. This root package holds the
// small set of wire-level primitives (protocol numbers, checksums, a
// validation accumulator) shared by tcp and ipv4.
package tcpengine

// IPToS represents the Traffic Class (a.k.a Type of Service) of an IP header.
type IPToS uint8

// DS returns the top 6 bits of the IPv4 ToS holding the Differentiated Services field
// which is used to classify packets.
func (tos IPToS) DS() uint8 { return uint8(tos) >> 2 }

// ECN is the Explicit Congestion Notification which provides congestion control and non-congestion control traffic.
func (tos IPToS) ECN() uint8 { return uint8(tos & 0b11) }

const (
	sizeHeaderIPv4 = 20
	sizeHeaderTCP  = 20
)

// IPProto represents the IP protocol number carried in the IPv4/IPv6 header.
type IPProto uint8

// IP protocol numbers relevant to a TCP-only stack. The full IANA registry is
// not reproduced here since nothing in this module dispatches on it besides
// TCP.
const (
	IPProtoHopByHop IPProto = 0  // IPv6 Hop-by-Hop Option [RFC8200]
	IPProtoICMP     IPProto = 1  // Internet Control Message [RFC792]
	IPProtoTCP      IPProto = 6  // Transmission Control [RFC793]
	IPProtoUDP      IPProto = 17 // User Datagram [RFC768]
	IPProtoIPv6     IPProto = 41 // IPv6 encapsulation [RFC2473]
)

func (p IPProto) String() string {
	switch p {
	case IPProtoHopByHop:
		return "HOPOPT"
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoIPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}
