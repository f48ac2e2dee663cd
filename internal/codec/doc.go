// Package codec holds the pluggable image coders and the ordered registry
// that selects between them. The registry behaves like a priority queue: the
// most recently added coder is asked first, so callers can override the
// built-in PNG/JPEG/GIF and WebP coders without removing them. Both the cache
// and the downloader depend on a *Registry to turn raw bytes into decoded
// images and back.
package codec
