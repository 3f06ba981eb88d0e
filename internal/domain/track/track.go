// Package track provides the Track domain value.
package track

// Track represents a resolved, playable piece of media.
// Immutable once constructed.
type Track struct {
	MediaRef string // Direct audio locator handed to the streaming pipeline
	Title    string // Display title
}

// New creates a Track from a media reference and a display title.
func New(mediaRef, title string) Track {
	return Track{MediaRef: mediaRef, Title: title}
}
