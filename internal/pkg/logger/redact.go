package logger

import (
	"regexp"
	"strings"
)

var (
	// access_token=..., appsecret_proof=..., client_secret=... in URLs and messages
	secretParamRegex = regexp.MustCompile(`(?i)(access_token|appsecret_proof|client_secret|input_token)=([^&\s"]+)`)
	// Bearer tokens in echoed headers
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
)

var secretKeys = []string{"token", "secret", "password", "proof"}

// RedactToken masks a credential for safe logging.
// "EAABwzLixnjYBA123" → "EAAB***"
// Short values (≤8 chars) are fully masked: "abc" → "***"
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***"
}

func redactValue(key, val string) string {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return RedactToken(val)
		}
	}
	val = secretParamRegex.ReplaceAllStringFunc(val, func(m string) string {
		parts := secretParamRegex.FindStringSubmatch(m)
		return parts[1] + "=" + RedactToken(parts[2])
	})
	return bearerRegex.ReplaceAllString(val, "Bearer ***")
}
