package main

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/pion/sdp/v3"
)

// filterAnswer strips every ICE candidate bound to a private address from
// an SDP answer before it is serialized back to the client. The server's
// RFC1918/link-local interfaces are unreachable from peers and leak
// topology.
func filterAnswer(answer string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(answer); err != nil {
		return "", fmt.Errorf("answer unparseable: %w", err)
	}
	for _, media := range desc.MediaDescriptions {
		kept := media.Attributes[:0]
		for _, attr := range media.Attributes {
			if attr.Key == "candidate" && candidateIsPrivate(attr.Value) {
				continue
			}
			kept = append(kept, attr)
		}
		media.Attributes = kept
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("answer reserialization: %w", err)
	}
	return string(out), nil
}

// candidateIsPrivate inspects the connection-address field of one
// a=candidate line. Unparseable candidates are kept; the peer's ICE agent
// discards what it cannot use.
func candidateIsPrivate(value string) bool {
	fields := strings.Fields(value)
	if len(fields) < 5 {
		return false
	}
	addr, err := netip.ParseAddr(fields[4])
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
