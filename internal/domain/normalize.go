package domain

import (
	"net/url"
	"strings"
)

// NormalizeURLs splits raw input on newlines and commas and returns the
// trimmed, non-empty, de-duplicated entries in first-occurrence order.
func NormalizeURLs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ','
	})
	return NormalizeURLList(fields)
}

// NormalizeURLList applies the same rules as NormalizeURLs to pre-split input.
// Entries may still contain delimiters and are split further.
func NormalizeURLList(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	result := make([]string, 0, len(items))

	for _, item := range items {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool {
			return r == '\n' || r == ','
		}) {
			candidate := strings.TrimSpace(part)
			if candidate == "" {
				continue
			}
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			result = append(result, candidate)
		}
	}

	return result
}

// ValidateSourceURL checks that s is an absolute http(s) URL
func ValidateSourceURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return &InputError{Reason: "url is empty"}
	}

	u, err := url.Parse(s)
	if err != nil {
		return &InputError{Input: s, Reason: "malformed url"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &InputError{Input: s, Reason: "url must use http or https"}
	}

	if u.Host == "" {
		return &InputError{Input: s, Reason: "url has no host"}
	}

	return nil
}
