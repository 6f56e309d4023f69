package editqueue

import (
	"fmt"
	"strings"
)

// DefaultImageBaseURL is where relative upload paths are served in development.
const DefaultImageBaseURL = "http://localhost:5000"

// URLResolver makes relative image references absolute against BaseURL.
// Absolute http(s) references are returned unchanged.
type URLResolver struct {
	BaseURL string
}

var _ ImageResolver = URLResolver{}

// Resolve implements ImageResolver.
func (r URLResolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("editqueue: empty image reference")
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref, nil
	}
	base := strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	if base == "" {
		return "", fmt.Errorf("editqueue: relative image reference %q and no base url", ref)
	}
	return base + "/" + strings.TrimLeft(ref, "/"), nil
}
