package obs

import "strings"

// CanonicalPath collapses per-RFQ path segments so metric labels stay
// bounded. Unknown shapes are returned as-is.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "races" {
		switch len(parts) {
		case 3:
			return "/v1/races/:id"
		case 4:
			return "/v1/races/:id/" + parts[3]
		case 6:
			if parts[3] == "broadcasts" {
				return "/v1/races/:id/broadcasts/:supplier/" + parts[5]
			}
		}
	}
	return path
}
