package stream

import "strings"

// ErrorCategory classifies pipeline errors for logs.
type ErrorCategory int

const (
	ErrCategoryResource ErrorCategory = iota
	ErrCategoryNetwork
	ErrCategoryCodec
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// Missing files and busy cameras are the common case on a workstation.
	{ErrCategoryResource, []string{"not found", "no such file", "could not open", "busy", "permission denied", "device"}},
	{ErrCategoryCodec, []string{"decode", "codec", "format", "caps", "negotiat", "not-negotiated", "demux"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "timed out", "refused", "unreachable", "network", "socket", "dns"}},
}

// classifyError matches the error and debug strings against keyword lists.
// go-gst's GError does not expose the error domain, so strings are all we
// have.
func classifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
