// Package inventory presents the current work-item inventory of each
// department (a named work queue) under a tenant scope. Reads prefer the
// cache service and fall back to the authoritative source when the entry is
// missing, expired, or suspiciously empty: a cached entry with zero items
// is never trusted, because an empty cache usually means a failed or
// skipped refresh, not an empty queue. A confirmed-empty fallback fetch,
// by contrast, is a valid result and is cached.
//
// Heterogeneous source records, including vendor-specific timestamp
// wrapper types, are normalized into one uniform item shape before
// caching, so cache payloads stay homogeneous regardless of source.
package inventory
