// Package dedupe remembers Idempotency-Key values for a bounded window so a
// client retrying a message send is not charged twice.
package dedupe
