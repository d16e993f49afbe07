package printqueue

import (
	"net/url"
	"path"
	"strings"
)

// Namespace describes where participant photos live. A reference is owned by
// participant p when its key has the form <prefix>/<p>/<name>. References may
// carry a storage scheme (s3://bucket/photos/p-1/a.jpg); only the key is
// checked.
type Namespace struct {
	Prefix string
}

// BuildKey returns the key of a participant's photo.
func (n Namespace) BuildKey(participantID, name string) string {
	return path.Join(n.prefix(), participantID, name)
}

// ParseKey extracts the owning participant and photo name from ref.
func (n Namespace) ParseKey(ref string) (participantID, name string, ok bool) {
	key := strings.TrimSpace(ref)
	if key == "" || strings.ContainsAny(key, "\\\x00") {
		return "", "", false
	}
	if strings.Contains(key, "://") {
		u, err := url.Parse(key)
		if err != nil || u.Path == "" {
			return "", "", false
		}
		key = u.Path
	}
	key = strings.TrimPrefix(key, "/")

	parts := strings.Split(key, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", "", false
		}
	}

	prefix := n.prefix()
	var prefixParts []string
	if prefix != "" {
		prefixParts = strings.Split(prefix, "/")
	}
	if len(parts) < len(prefixParts)+2 {
		return "", "", false
	}
	for i, p := range prefixParts {
		if parts[i] != p {
			return "", "", false
		}
	}
	rest := parts[len(prefixParts):]
	return rest[0], strings.Join(rest[1:], "/"), true
}

// Owns reports whether ref belongs to participantID.
func (n Namespace) Owns(participantID, ref string) bool {
	owner, _, ok := n.ParseKey(ref)
	return ok && owner == participantID
}

func (n Namespace) prefix() string {
	return strings.Trim(n.Prefix, "/")
}
