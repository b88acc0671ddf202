package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for
// logging, depending on the obfuscate flag.
func LogURL(obfuscate bool, u string) string {
	if obfuscate {
		return ObfuscateURL(u)
	}
	return u
}

// ObfuscateURL masks the path, query and fragment of a URL so portal
// addresses and stream tokens never land in logs verbatim.
//
// Example:
//
//	Input:  "http://example.com/stalker_portal/server/load.php?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// SanitizeName converts a channel display name into a URL-safe identifier.
func SanitizeName(name string) string {
	sanitized := name
	replacements := map[string]string{
		" ": "_", ",": "_", "\"": "", "'": "", "/": "_", "\\": "_",
		"?": "_", "&": "_", "=": "_", ":": "_", ";": "_", "|": "_",
		"*": "_", "<": "_", ">": "_",
	}
	for old, repl := range replacements {
		sanitized = strings.ReplaceAll(sanitized, old, repl)
	}
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}

// FormatBytes renders a byte count with a binary-unit suffix.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
