// Package discovery lists the peers a node reconciles with.
package discovery

import (
	"sort"
	"strings"
)

// EnhancedPrivacyVersion is the API version a peer advertises when it
// serves batched resend requests.
const EnhancedPrivacyVersion = "v2"

type NodeInfo struct {
	URL                  string   `yaml:"url"`
	SupportedAPIVersions []string `yaml:"versions"`
}

// Supports reports whether the peer advertises version.
func (n NodeInfo) Supports(version string) bool {
	for _, v := range n.SupportedAPIVersions {
		if v == version {
			return true
		}
	}
	return false
}

// Static serves a fixed peer list from configuration.
type Static struct {
	peers []NodeInfo
}

// NewStatic drops the node's own URL from peers and merges duplicate
// entries. URLs are compared without trailing slashes.
func NewStatic(ownURL string, peers []NodeInfo) *Static {
	own := NormalizeURL(ownURL)
	byURL := make(map[string]*NodeInfo)
	var order []string

	for _, p := range peers {
		u := NormalizeURL(p.URL)
		if u == "" || u == own {
			continue
		}
		existing, ok := byURL[u]
		if !ok {
			existing = &NodeInfo{URL: u}
			byURL[u] = existing
			order = append(order, u)
		}
		for _, v := range p.SupportedAPIVersions {
			if !existing.Supports(v) {
				existing.SupportedAPIVersions = append(existing.SupportedAPIVersions, v)
			}
		}
	}

	out := make([]NodeInfo, 0, len(order))
	for _, u := range order {
		n := *byURL[u]
		sort.Strings(n.SupportedAPIVersions)
		out = append(out, n)
	}
	return &Static{peers: out}
}

// RemoteNodeInfos returns the peers in configuration order.
func (s *Static) RemoteNodeInfos() []NodeInfo {
	out := make([]NodeInfo, len(s.peers))
	copy(out, s.peers)
	return out
}

// NormalizeURL trims whitespace and trailing slashes.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
