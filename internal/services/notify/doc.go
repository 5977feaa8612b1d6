// Package notify delivers "audit due" notifications for materialized schedule
// entries.
//
// # Pipeline
//
// A periodic scan finds pending entries whose scheduled date falls within the
// configured lead window and enqueues one notification per entry. A worker
// pool drains the queue through a Sink (log, webhook) with rate limiting and
// exponential-backoff retries. Successful sends mark the entry notified in
// storage, which is also the de-dup state: a restart never re-notifies an
// entry that already went out.
//
// The mail system that the sink boundary would front in a full deployment is
// deliberately out of scope; the webhook sink is the integration point.
package notify
