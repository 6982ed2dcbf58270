// Package processor drives email jobs through their state machine:
//
//	queued -> context_validated -> domain_authorized -> rate_checked
//	       -> dkim_validated -> signed -> delivered
//
// Any stage can divert to failed, carrying the originating reason. The
// stages before signing are pure validation against the tenant's context
// snapshot; failures there are verdicts, not infrastructure errors, and are
// never retried. Delivery failures propagate to the queue's backoff policy.
//
// Every transition emits a structured event with tenant, job, domain,
// elapsed time, and outcome. Terminal outcomes additionally produce one
// audit event, and DKIM misconfigurations are escalated to the alerting
// webhook.
package processor
