// Package queue implements per-tenant job queues over Redis.
//
// Each (tenant, job class) pair owns a distinct queue, created lazily on
// first enqueue. Queues never merge across tenants; pausing or draining one
// tenant's queue has no effect on any other. Every job class carries a
// static policy fixing its worker concurrency, retry ceiling, and backoff
// shape.
//
// Queue state lives in Redis: a ready sorted set ordered by priority with
// enqueue time as tie-break, a processing sorted set scored by claim time,
// a delayed sorted set for backoff retries, and completed/failed sorted
// sets scored by finish time for retention cleanup. Claims and delayed
// promotion run as Lua scripts so two workers can never pop the same job.
package queue
