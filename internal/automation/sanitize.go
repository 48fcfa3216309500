package automation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Limits for job-apply request sanitization. These mirror the bounds the
// worker process assumes on its side of the protocol.
const (
	MaxJobURLLength         = 2048
	MaxCustomAnswerKeyLen   = 120
	MaxCustomAnswerValueLen = 2000
	MaxCustomAnswerCount    = 50
	MaxScheduleHorizon      = 30 * 24 * time.Hour
)

// Host suffixes that always resolve to internal infrastructure.
var disallowedHostSuffixes = []string{".localhost", ".internal", ".local"}

// SanitizeJobURL validates and normalizes a job URL, rejecting anything that
// could point a privileged worker process at an internal network target.
func SanitizeJobURL(raw string) (string, error) {
	jobURL := strings.TrimSpace(raw)
	if jobURL == "" {
		return "", &ValidationError{Field: "jobUrl", Message: "jobUrl is required"}
	}
	if len(jobURL) > MaxJobURLLength {
		return "", &ValidationError{Field: "jobUrl", Message: fmt.Sprintf("jobUrl exceeds %d characters", MaxJobURLLength)}
	}

	parsed, err := url.Parse(jobURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", &ValidationError{Field: "jobUrl", Message: "jobUrl must be an absolute URL"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &ValidationError{Field: "jobUrl", Message: "only http and https job URLs are allowed"}
	}
	if parsed.User != nil {
		return "", &ValidationError{Field: "jobUrl", Message: "jobUrl must not contain credentials"}
	}

	host := strings.ToLower(parsed.Hostname())
	if disallowedHost(host) {
		return "", &ValidationError{Field: "jobUrl", Message: "jobUrl resolves to a disallowed host"}
	}

	return parsed.String(), nil
}

// disallowedHost reports whether hostname is a loopback, private, link-local,
// unique-local, or otherwise internal target.
func disallowedHost(hostname string) bool {
	if hostname == "" || hostname == "localhost" || hostname == "localhost.localdomain" {
		return true
	}
	for _, suffix := range disallowedHostSuffixes {
		if strings.HasSuffix(hostname, suffix) {
			return true
		}
	}

	ip := net.ParseIP(hostname)
	if ip == nil {
		// Bracketed IPv6 hosts arrive without brackets from url.Hostname;
		// non-IP hostnames pass the literal checks above.
		return false
	}
	return ip.IsUnspecified() ||
		ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast()
}

// SanitizeCustomAnswers normalizes a custom-answers map, enforcing entry
// count and length limits. Oversized keys or values are rejected outright
// rather than truncated: silently changing answer text that will be typed
// into a live application form is worse than failing fast.
func SanitizeCustomAnswers(answers map[string]string) (map[string]string, error) {
	if len(answers) == 0 {
		return map[string]string{}, nil
	}
	if len(answers) > MaxCustomAnswerCount {
		return nil, &ValidationError{
			Field:   "customAnswers",
			Message: fmt.Sprintf("maximum %d custom answers allowed", MaxCustomAnswerCount),
		}
	}

	normalized := make(map[string]string, len(answers))
	for rawKey, rawValue := range answers {
		key := strings.TrimSpace(rawKey)
		if key == "" {
			return nil, &ValidationError{Field: "customAnswers", Message: "customAnswers keys must not be empty"}
		}
		if len(key) > MaxCustomAnswerKeyLen {
			return nil, &ValidationError{
				Field:   "customAnswers",
				Message: fmt.Sprintf("customAnswers key exceeds %d characters", MaxCustomAnswerKeyLen),
			}
		}

		value := strings.TrimSpace(rawValue)
		if len(value) > MaxCustomAnswerValueLen {
			return nil, &ValidationError{
				Field:   "customAnswers",
				Message: fmt.Sprintf("customAnswers[%s] exceeds %d characters", key, MaxCustomAnswerValueLen),
			}
		}

		normalized[key] = value
	}

	return normalized, nil
}

// ParseRunAt parses and bounds-checks a scheduled run timestamp. The time
// must be strictly in the future and within the schedule horizon.
func ParseRunAt(raw string, now time.Time) (time.Time, error) {
	runAt, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, &ValidationError{Field: "runAt", Message: "runAt must be a valid RFC 3339 timestamp"}
	}
	if !runAt.After(now) {
		return time.Time{}, &ValidationError{Field: "runAt", Message: "runAt must be in the future"}
	}
	if runAt.Sub(now) > MaxScheduleHorizon {
		return time.Time{}, &ValidationError{Field: "runAt", Message: "runAt is beyond the schedule horizon"}
	}
	return runAt, nil
}
