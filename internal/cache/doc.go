// Package cache implements the two-tier image cache. The disk tier maps a
// cache key to Root/<namespace-hash>/<key-hash> files written with temp file +
// rename semantics; the file modification time is the only age index. The
// memory tier is a cost-weighted LRU. ImageCache composes both with a codec
// registry and runs every disk operation on one serialized queue so reads
// never observe half-written files and writes to one key stay ordered.
package cache
