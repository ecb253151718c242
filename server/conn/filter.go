package conn

import (
	"net/netip"

	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/s00inx/embedhttpd/server/protocol"
)

func isRFC1918(a netip.Addr) bool {
	a = a.Unmap()
	if !a.Is4() {
		return false
	}
	ip, err := sockaddr.NewIPAddr(a.String())
	if err != nil {
		return false
	}
	return sockaddr.IsRFC(1918, ip)
}

// admit rejects a private peer talking to a public server address
func (s *Session) admit() bool {
	if !s.m.settings.RFC1918Filter {
		return true
	}
	if !isRFC1918(s.peer.Addr()) || isRFC1918(s.local.Addr()) {
		return true
	}
	s.logger.Debug("rejected rfc1918 peer")
	s.Error(403, "Forbidden", "Rejected request from RFC1918 IP to public server address")
	return false
}

// hostileAgent are the browsers that break on persistent connections
func hostileAgent(r *protocol.Request) bool {
	switch r.UserAgent {
	case protocol.UAMSIEOld:
		return r.Method == protocol.MethodPOST
	case protocol.UASafari:
		return true
	}
	return false
}
