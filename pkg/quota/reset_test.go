package quota

import (
	"testing"
	"time"
)

func TestEvaluateResetDaily(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name       string
		lastReset  time.Time
		now        time.Time
		needsReset bool
	}{
		{
			name:       "same day never resets",
			lastReset:  time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC),
			now:        time.Date(2026, time.March, 15, 23, 59, 59, 0, time.UTC),
			needsReset: false,
		},
		{
			name:       "previous calendar day is stale",
			lastReset:  time.Date(2026, time.March, 14, 23, 0, 0, 0, time.UTC),
			now:        time.Date(2026, time.March, 15, 0, 0, 1, 0, time.UTC),
			needsReset: true,
		},
		{
			name:       "many days stale",
			lastReset:  time.Date(2026, time.February, 1, 12, 0, 0, 0, time.UTC),
			now:        time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC),
			needsReset: true,
		},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			decision := EvaluateReset(testCase.lastReset.Unix(), CadenceDaily, 10, testCase.now.Unix())
			if decision.NeedsReset != testCase.needsReset {
				test.Fatalf("needs reset = %v, want %v", decision.NeedsReset, testCase.needsReset)
			}
			if decision.NeedsReset && decision.NextAllotment != 10 {
				test.Fatalf("next allotment = %d, want 10", decision.NextAllotment)
			}
		})
	}
}

func TestEvaluateResetWeekly(test *testing.T) {
	test.Parallel()
	base := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		daysAgo    int
		needsReset bool
	}{
		{name: "six days is fresh", daysAgo: 6, needsReset: false},
		{name: "seven days is stale", daysAgo: 7, needsReset: true},
		{name: "eight days is stale", daysAgo: 8, needsReset: true},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			lastReset := base.AddDate(0, 0, -testCase.daysAgo)
			decision := EvaluateReset(lastReset.Unix(), CadenceWeekly, 10, base.Unix())
			if decision.NeedsReset != testCase.needsReset {
				test.Fatalf("needs reset = %v, want %v", decision.NeedsReset, testCase.needsReset)
			}
		})
	}
}

func TestApplyResetRefillsToCapNeverAbove(test *testing.T) {
	test.Parallel()
	account := Account{
		UserID:           "refill-user",
		FreeRequests:     2,
		PaidRequests:     7,
		LastResetUnixUTC: testNow.AddDate(0, 0, -3).Unix(),
		ResetCounter:     4,
	}
	applyReset(&account, 10, testNow.Unix())
	if account.FreeRequests != 10 {
		test.Fatalf("free requests = %d, want refill to 10", account.FreeRequests)
	}
	if account.PaidRequests != 7 {
		test.Fatalf("paid requests = %d, reset must not touch the paid pool", account.PaidRequests)
	}
	if account.ResetCounter != 5 {
		test.Fatalf("reset counter = %d, want 5", account.ResetCounter)
	}
	if account.LastResetUnixUTC != dayStamp(testNow) {
		test.Fatalf("last reset = %d, want day start %d", account.LastResetUnixUTC, dayStamp(testNow))
	}

	// A second reset on a full pool stays at the cap.
	account.LastResetUnixUTC = testNow.AddDate(0, 0, -1).Unix()
	applyReset(&account, 10, testNow.Unix())
	if account.FreeRequests != 10 {
		test.Fatalf("free requests = %d after refill of a full pool, want 10", account.FreeRequests)
	}
}

func TestEvaluateResetFreshAccountToday(test *testing.T) {
	test.Parallel()
	decision := EvaluateReset(dayStamp(testNow), CadenceDaily, 10, testNow.Unix())
	if decision.NeedsReset {
		test.Fatal("account stamped today must not reset")
	}
}
