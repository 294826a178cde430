// Package retry decides what the replicator does after a network failure.
//
// It has two halves:
//
//   - Backoff computes how long to sleep before the next attempt. The delay
//     doubles with every consecutive failure up to a cap and falls back to
//     the floor after any success.
//   - Resolve classifies an error (or an HTTP status carried by one) as
//     transient, connectivity or permanent and maps that, together with the
//     replication mode and remaining retry budget, onto a Resolution such as
//     BackoffAndRetry or GoOffline.
//
// Classification walks the whole error chain with errors.As / errors.Is, so
// callers should wrap with %w to keep the underlying socket error visible:
//
//	res, class := retry.Resolve(err, retry.Context{Continuous: true, HasRetriesRemaining: n < max})
//	switch res {
//	case retry.BackoffAndRetry:
//	    _ = backoff.Delay(ctx)
//	case retry.GoOffline:
//	    // wait for the network to come back
//	}
package retry
