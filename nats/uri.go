package nats

import (
	"fmt"
	"strings"
)

// DefaultPort is the port the service listens on unless configured
const DefaultPort = "4222"

// SanitizeURI normalizes a service address. A missing scheme becomes nats://
// and a missing port becomes DefaultPort. Only nats and tls schemes are
// accepted.
func SanitizeURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", fmt.Errorf("empty NATS server URI")
	}

	proto, server, ok := strings.Cut(uri, "://")
	if !ok {
		proto, server = "nats", uri
	}

	switch proto {
	case "nats", "tls":
	default:
		return uri, fmt.Errorf("unsupported scheme %v in NATS server URI %v", proto, uri)
	}

	host, port, _ := strings.Cut(server, ":")
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = DefaultPort
	}

	return fmt.Sprintf("%v://%v:%v", proto, host, port), nil
}
