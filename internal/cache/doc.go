// Package cache implements the in-process local cache and the tiered cache
// facade that composes it with an optional remote key-value tier.
//
// The local cache enforces per-entry TTLs and evicts under a byte or entry
// budget, ranking victims by lowest hit count first, then oldest storedAt,
// then insertion order. The tiered facade reads local first, falls back to
// the remote tier, and treats every remote failure as a miss for that tier
// only.
package cache
