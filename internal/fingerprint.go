package internal

import (
	"crypto/sha256"
	"strings"
)

// HashBindingValue hashes an IP or fingerprint string for session binding
// comparison without storing the raw value alongside the hash.
func HashBindingValue(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// Fingerprint derives a coarse device identifier from a User-Agent string:
// browser family plus OS family, tolerant of version drift. Unknown agents
// collapse to "other/other" so binding never depends on raw UA equality.
func Fingerprint(userAgent string) string {
	ua := strings.ToLower(userAgent)
	return browserFamily(ua) + "/" + osFamily(ua)
}

// Order matters: Edge and Opera embed "chrome", Chrome embeds "safari".
func browserFamily(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"):
		return "chrome"
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		return "firefox"
	case strings.Contains(ua, "safari/"):
		return "safari"
	case strings.Contains(ua, "msie"), strings.Contains(ua, "trident/"):
		return "ie"
	case ua == "":
		return "none"
	default:
		return "other"
	}
}

func osFamily(ua string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return "ios"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "cros"):
		return "chromeos"
	case strings.Contains(ua, "linux"):
		return "linux"
	case ua == "":
		return "none"
	default:
		return "other"
	}
}
