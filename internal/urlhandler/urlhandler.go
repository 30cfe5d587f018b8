package urlhandler

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/aleister1102/webtrack/internal/common"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

var (
	unsafeFilenameCharsRegex = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)
	multipleUnderscoresRegex = regexp.MustCompile(`_+`)
)

// NormalizeURL normalizes a source URL: scheme defaulted to http, host
// lowercased, fragment removed. Sources are stored normalized so the same
// page never registers twice under case or fragment variants.
func NormalizeURL(rawURL string) (string, error) {
	trimmedURL := strings.TrimSpace(rawURL)
	if trimmedURL == "" {
		return "", common.NewValidationError("url", rawURL, "URL is empty or only whitespace")
	}

	if !strings.Contains(trimmedURL, "://") && !strings.HasPrefix(trimmedURL, "//") {
		trimmedURL = "http://" + trimmedURL
	}

	parsedURL, err := url.Parse(trimmedURL)
	if err != nil {
		return "", common.WrapError(err, "could not parse URL "+trimmedURL)
	}
	if parsedURL.Host == "" {
		return "", common.NewValidationError("url", rawURL, "URL lacks a valid hostname")
	}

	parsedURL.Scheme = strings.ToLower(parsedURL.Scheme)
	parsedURL.Host = strings.ToLower(parsedURL.Host)
	parsedURL.Fragment = ""

	return parsedURL.String(), nil
}

// RegisteredDomain returns the eTLD+1 of a URL's host, via the public
// suffix list. The fetch scheduler treats two sources with the same
// registered domain as the same site for politeness pacing.
func RegisteredDomain(rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", common.WrapError(err, "could not parse normalized URL")
	}

	domain, err := publicsuffix.Domain(parsed.Hostname())
	if err != nil {
		// Hosts outside the suffix list (IPs, localhost, internal names)
		// still need a stable pairing key.
		return parsed.Hostname(), nil
	}
	return domain, nil
}

// BaseURL returns scheme://host of a URL, used to absolutize the relative
// image and link fragments collected into diff summaries.
func BaseURL(rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", common.WrapError(err, "could not parse normalized URL")
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// SanitizeFilename turns a URL or arbitrary string into a safe file name
// fragment for logs and audit exports.
func SanitizeFilename(input string) string {
	name := input
	if i := strings.Index(name, "://"); i != -1 {
		name = name[i+3:]
	}

	name = unsafeFilenameCharsRegex.ReplaceAllString(name, "_")
	name = multipleUnderscoresRegex.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if name == "" {
		return "sanitized_empty_input"
	}
	return name
}
