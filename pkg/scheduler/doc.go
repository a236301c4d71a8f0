/*
Package scheduler runs claimed location samples through the transition
detector on a fixed pool of workers.

Two entry points feed one queue:

  - Notify(sampleID): the push path. The worker claims the sample itself with
    ClaimByID; losing the claim race is a no-op.
  - Enqueue(sample): the sweep path. The reconciler has already claimed the
    sample with ClaimBatch.

# Outcomes

	processed / debounced ──▶ MarkProcessed(id, "")
	validation, not found ──▶ MarkProcessed(id, cause)
	transient store error ──▶ backoff retries, then ReleaseSample
	concurrency conflict  ──▶ ReleaseSample, deferred to the sweep

A released sample keeps its claim until the lease expires, so a struggling
store is not hammered by immediate re-delivery.
*/
package scheduler
