// Package smtp implements the submission server: per-connection
// session state machines with STARTTLS-gated authentication, throttled
// admission, and delivery through the submission pipeline.
package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// decodePlain decodes an AUTH PLAIN initial response:
// base64(authzid NUL authcid NUL password). The authorization identity
// is ignored.
func decodePlain(encoded string) (username, password string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid AUTH PLAIN format")
	}
	if parts[1] == "" {
		return "", "", fmt.Errorf("empty username")
	}
	return parts[1], parts[2], nil
}

// decodeLogin decodes the two base64 responses of an AUTH LOGIN
// challenge exchange.
func decodeLogin(encodedUser, encodedPass string) (username, password string, err error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 password")
	}
	if len(user) == 0 {
		return "", "", fmt.Errorf("empty username")
	}
	return string(user), string(pass), nil
}
