package quota

import "time"

// ResetDecision is the outcome of the staleness check.
type ResetDecision struct {
	NeedsReset    bool
	NextAllotment int64
}

// EvaluateReset decides whether an account's free pool is stale relative
// to now. Daily cadence: stale once the UTC calendar date advances past
// the last reset. Weekly cadence: stale once seven or more days elapsed.
// A reset refills the free pool to the allotment cap; it never adds.
func EvaluateReset(lastResetUnixUTC int64, cadence Cadence, allotment int64, nowUnixUTC int64) ResetDecision {
	lastReset := dayStartUTC(lastResetUnixUTC)
	today := dayStartUTC(nowUnixUTC)
	stale := false
	switch cadence {
	case CadenceWeekly:
		stale = daysBetween(lastReset, today) >= 7
	default:
		stale = lastReset.Before(today)
	}
	if !stale {
		return ResetDecision{}
	}
	return ResetDecision{NeedsReset: true, NextAllotment: allotment}
}

// applyReset refills the free pool and stamps the reset. Mutates in place;
// callers persist under the account's critical section.
func applyReset(account *Account, allotment int64, nowUnixUTC int64) {
	account.FreeRequests = allotment
	account.LastResetUnixUTC = dayStartUTC(nowUnixUTC).Unix()
	account.ResetCounter++
}

func dayStartUTC(unixSeconds int64) time.Time {
	at := time.Unix(unixSeconds, 0).UTC()
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(earlier, later time.Time) int {
	return int(later.Sub(earlier) / (secondsPerDay * time.Second))
}
