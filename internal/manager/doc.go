// Package manager ties the cache engine and the download manager together:
// LoadImage answers from memory, then disk, then the network, and stores
// fresh downloads back into both tiers. It also keeps a short-lived list of
// URLs that failed permanently and a Prefetcher for warming the cache.
package manager
