package supervisor

import "strings"

const sessionIDLength = 36

// ExtractSessionID finds a session id in a request path. The segment after
// "sessions" or "session" is accepted when it has the shape of a UUID: 36
// characters containing exactly four hyphens. The first match wins.
func ExtractSessionID(path string) (string, bool) {
	parts := strings.Split(path, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] != "sessions" && parts[i] != "session" {
			continue
		}
		candidate := parts[i+1]
		if len(candidate) == sessionIDLength && strings.Count(candidate, "-") == 4 {
			return candidate, true
		}
	}
	return "", false
}
