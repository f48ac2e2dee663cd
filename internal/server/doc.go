// Package server hosts the Fiber HTTP service that fronts the image loader.
// It owns the middleware chain (panic recovery, request IDs, access logs),
// the /image handler that drives manager.LoadImage, and the shared upstream
// http.Client used by the download manager. Diagnostics endpoints under /-/
// live in the routes subpackage so this package keeps a narrow export set.
package server
