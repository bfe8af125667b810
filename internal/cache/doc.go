// Package cache provides the in-memory byte cache that sits in front of the
// download stage. Entries are raw downloaded payloads keyed by resource key,
// bounded by total byte size and evicted in least-recently-used order.
package cache
