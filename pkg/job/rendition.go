package job

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Rendition is one output profile of the adaptive bitrate ladder.
type Rendition struct {
	Label       string `json:"label" yaml:"label"`
	Width       int    `json:"width" yaml:"width"`
	Height      int    `json:"height" yaml:"height"`
	BitrateKbps int    `json:"bitrate_kbps" yaml:"bitrate_kbps"`
}

// Scale returns the WIDTHxHEIGHT form used by both ffmpeg and HLS.
func (r Rendition) Scale() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Bandwidth returns the bitrate in bits per second.
func (r Rendition) Bandwidth() int {
	return r.BitrateKbps * 1000
}

// DefaultCatalog returns the reference ladder.
func DefaultCatalog() []Rendition {
	return []Rendition{
		{Label: "360p", Width: 640, Height: 360, BitrateKbps: 800},
		{Label: "720p", Width: 1280, Height: 720, BitrateKbps: 2000},
		{Label: "1080p", Width: 1920, Height: 1080, BitrateKbps: 4000},
	}
}

// ValidateCatalog checks that labels are unique file-name safe strings and
// that every dimension is positive.
func ValidateCatalog(catalog []Rendition) error {
	if len(catalog) == 0 {
		return errors.New("rendition catalog is empty")
	}
	seen := make(map[string]struct{}, len(catalog))
	for i, r := range catalog {
		label := strings.TrimSpace(r.Label)
		if label == "" || label != r.Label || strings.ContainsAny(label, "/\\. \"") ||
			strings.IndexFunc(label, unicode.IsControl) >= 0 {
			return fmt.Errorf("rendition %d: invalid label %q", i, r.Label)
		}
		if label == "master" {
			return fmt.Errorf("rendition %d: label %q collides with the master playlist", i, label)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("rendition %d: duplicate label %q", i, label)
		}
		seen[label] = struct{}{}
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("rendition %s: dimensions must be positive", label)
		}
		if r.BitrateKbps <= 0 {
			return fmt.Errorf("rendition %s: bitrate must be positive", label)
		}
	}
	return nil
}

// CloneCatalog returns a copy that callers may keep without sharing the
// backing array.
func CloneCatalog(src []Rendition) []Rendition {
	if len(src) == 0 {
		return nil
	}
	out := make([]Rendition, len(src))
	copy(out, src)
	return out
}
