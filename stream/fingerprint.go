package stream

import (
	"net/url"
	"strings"
)

// Fingerprint is the normalized identity of an upstream RTSP source.
// Two viewer requests that resolve to the same Fingerprint share one
// Stream; it is the Hub's only registry key.
type Fingerprint string

// NewFingerprint lowercases scheme and host and preserves path and
// query verbatim, per the Hub's normalization policy.
func NewFingerprint(rawURL string) (Fingerprint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	return Fingerprint(u.String()), nil
}
