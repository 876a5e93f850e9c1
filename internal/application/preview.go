package application

import (
	"net/netip"
	"strings"
)

// PreviewDetector recognizes link-preview fetchers so their requests do not count as listens.
type PreviewDetector struct {
	agents   []string
	networks []netip.Prefix
}

func NewPreviewDetector(agents []string, networks []netip.Prefix) PreviewDetector {
	d := PreviewDetector{networks: networks}
	for _, agent := range agents {
		agent = strings.ToLower(strings.TrimSpace(agent))
		if agent != "" {
			d.agents = append(d.agents, agent)
		}
	}
	return d
}

// IsAutomatedFetch accepts remoteAddr as either "ip" or "ip:port".
func (d PreviewDetector) IsAutomatedFetch(userAgent, remoteAddr string) bool {
	ua := strings.ToLower(userAgent)
	for _, agent := range d.agents {
		if strings.Contains(ua, agent) {
			return true
		}
	}

	addr, ok := parseRemoteAddr(remoteAddr)
	if !ok {
		return false
	}
	for _, prefix := range d.networks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseRemoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (s *PairService) IsAutomatedFetch(userAgent, remoteAddr string) bool {
	return s.preview.IsAutomatedFetch(userAgent, remoteAddr)
}
