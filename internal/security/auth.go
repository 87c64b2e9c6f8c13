package security

import (
	"net"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// The scheme is matched case-insensitively and surrounding spaces are trimmed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}
