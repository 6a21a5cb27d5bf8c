package payme

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// Credentials are the authentication headers of a merchant API call.
type Credentials struct {
	// Authorization is the raw Authorization header.
	Authorization string
	// XAuth is the raw X-Auth header.
	XAuth string
}

// Authorized reports whether creds carry key, either as
// "Basic base64(Paycom:<key>)" or as "X-Auth: Paycom <key>".
// An empty key accepts every call.
func Authorized(key string, creds Credentials) bool {
	if key == "" {
		return true
	}

	auth := strings.TrimSpace(creds.Authorization)
	if len(auth) > 6 && strings.EqualFold(auth[:6], "basic ") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[6:]))
		if err == nil && equal(string(decoded), "Paycom:"+key) {
			return true
		}
	}

	if rest, ok := strings.CutPrefix(creds.XAuth, "Paycom "); ok && equal(strings.TrimSpace(rest), key) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
