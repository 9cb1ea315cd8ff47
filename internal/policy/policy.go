// Package policy derives concrete fire times and retry delays.
package policy

import "time"

// FireAt maps an occurrence's due time and the task's reminder offset to the
// absolute time the reminder should fire. A nil offset means the task never
// notifies (it may still recur silently), reported as false. A fire time
// already in the past is clamped to now so the reminder goes out on the next
// poll instead of being dropped — tasks edited close to their due time still
// get reminded.
func FireAt(dueAt time.Time, offset *time.Duration, now time.Time) (time.Time, bool) {
	if offset == nil {
		return time.Time{}, false
	}
	fireAt := dueAt.Add(-*offset)
	if fireAt.Before(now) {
		fireAt = now
	}
	return fireAt, true
}

// Backoff returns the delay before the next delivery attempt: 1,2,4,8...
// seconds, capped at 60s.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	// 1<<6 already exceeds the cap; clamp before shifting so large attempt
	// counts can't overflow into a negative delay.
	if attempts > 6 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1)
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
