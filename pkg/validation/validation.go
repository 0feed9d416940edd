package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxUserIDLength = 128
	MaxCallIDLength = 64
)

// ValidateUserID accepts any printable identifier up to MaxUserIDLength bytes.
func ValidateUserID(userID string) error {
	return validateIdentifier("user id", userID, MaxUserIDLength)
}

// ValidateCallID accepts relay-assigned call ids.
func ValidateCallID(callID string) error {
	return validateIdentifier("call id", callID, MaxCallIDLength)
}

func validateIdentifier(field, s string, max int) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(s) > max {
		return fmt.Errorf("%s is too long (max %d bytes)", field, max)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s is not valid UTF-8", field)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control characters", field)
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateRelayURI checks a STUN/TURN URI such as "turn:host:3478?transport=udp".
func ValidateRelayURI(uri string) error {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok || rest == "" {
		return fmt.Errorf("relay URI %q must be scheme:host[:port]", uri)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("relay URI %q has unsupported scheme %q", uri, scheme)
	}
	host, _, _ := strings.Cut(rest, "?")
	if strings.HasPrefix(host, ":") || host == "" {
		return fmt.Errorf("relay URI %q must have a host", uri)
	}
	return nil
}
