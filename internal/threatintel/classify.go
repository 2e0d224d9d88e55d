package threatintel

import (
	"net"
	"regexp"
	"strings"
)

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

var hashPattern = regexp.MustCompile(`^[a-fA-F0-9]{32}$|^[a-fA-F0-9]{40}$|^[a-fA-F0-9]{64}$`)

func looksLikeHash(s string) bool {
	return hashPattern.MatchString(s)
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
