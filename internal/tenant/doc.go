// Package tenant implements the tenant context provider.
//
// The provider resolves a tenant id into an immutable TenantContext snapshot
// (plan limits, verified domains, DKIM key material, rate-limit policy,
// active flag) and caches it with a bounded TTL. Refreshes build a complete
// new snapshot and swap the cache entry atomically: concurrent readers never
// observe a half-updated context.
//
// Repository implementations live in postgres.go (production) and in test
// files (in-memory fakes). The provider never imports from queue/ or
// processor/.
package tenant
