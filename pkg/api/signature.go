package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body in constant time. An empty
// secret fails every request. A "sha256=" prefix on the header is accepted.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: signing secret not configured", fault.ErrAuthentication)
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return fmt.Errorf("%w: missing %s header", fault.ErrAuthentication, SignatureHeader)
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", fault.ErrAuthentication)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", fault.ErrAuthentication)
	}
	return nil
}
