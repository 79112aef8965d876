package utils

import (
	"net/url"
	"path"
	"strings"
)

// imageExtensions lists the file extensions the vision path accepts.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// ValidateImageURL checks protocol and file extension before any bytes are
// fetched, so an obviously wrong URL never costs a model call.
func ValidateImageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &InvalidURLError{URL: raw, Reason: "unsupported protocol " + u.Scheme}
	}
	if u.Host == "" {
		return &InvalidURLError{URL: raw, Reason: "missing host"}
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !imageExtensions[ext] {
		return &InvalidURLError{URL: raw, Reason: "unsupported image extension " + ext}
	}
	return nil
}

// InvalidURLError describes a URL rejected before fetching.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return "invalid image url: " + e.Reason
}
