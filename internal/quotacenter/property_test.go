package quotacenter

import (
	"testing"
	"time"

	"pgregory.net/rapid"
	"go.uber.org/zap"
)

func newCenterForTest() *Center {
	return New(zap.NewNop())
}

func drainSync(c *Center) {
	done := make(chan struct{})
	go func() {
		c.Submit(TickEvent{NowMs: 0})
		close(done)
	}()
	<-done
	time.Sleep(10 * time.Millisecond)
}

// TestCooldownNeverDecreases is a property test: feeding any
// sequence of same-series ErrorEvents within the chain window, the
// cooldownUntil produced by the pure step function is monotonically
// non-decreasing and never exceeds the schedule's last step once the
// chain is long enough to clamp.
func TestCooldownNeverDecreases(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		series := rapid.SampledFrom([]Series{Series429, SeriesFatal, Series5XX, SeriesNet, SeriesOther}).Draw(rt, "series")
		n := rapid.IntRange(1, 12).Draw(rt, "chainLength")

		var prev int64 = -1
		last := cooldownStep(series, len(scheduleFor(series)))
		for i := 1; i <= n; i++ {
			step := cooldownStep(series, i)
			if step.Milliseconds() < prev {
				rt.Fatalf("cooldown step decreased: i=%d step=%v prev=%d", i, step, prev)
			}
			prev = step.Milliseconds()
			if i >= len(scheduleFor(series)) && step != last {
				rt.Fatalf("expected clamp to last step %v at i=%d, got %v", last, i, step)
			}
		}
	})
}

// TestErrorChainIncrementOrReset is a property test for the 10-minute
// chain window rule: same series within the window increments the
// counter; a different series, or a gap beyond the window, resets it
// to 1.
func TestErrorChainIncrementOrReset(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := ProviderQuotaState{}
		steps := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 20).Draw(rt, "sameSeriesFlags")
		gapMs := rapid.Int64Range(0, int64(2*errorChainWindow.Milliseconds())).Draw(rt, "gapMs")

		now := int64(0)
		for _, flag := range steps {
			var series Series
			if flag == 1 {
				series = Series429
			} else {
				series = Series5XX
			}
			prevSeries, prevAt, prevCount := s.LastErrorSeries, s.LastErrorAtMs, s.ConsecutiveErrorCount
			advanceErrorChain(&s, series, "", now)

			sameChain := prevSeries == series && prevAt > 0 && now-prevAt <= errorChainWindow.Milliseconds()
			if sameChain {
				if s.ConsecutiveErrorCount != prevCount+1 {
					rt.Fatalf("expected increment to %d, got %d", prevCount+1, s.ConsecutiveErrorCount)
				}
			} else if s.ConsecutiveErrorCount != 1 {
				rt.Fatalf("expected reset to 1, got %d", s.ConsecutiveErrorCount)
			}
			now += gapMs
		}
	})
}

// TestBlacklistRigidityProperty is a property test: whatever
// ErrorEvent arrives while blacklistUntil is in the future, the
// blacklist deadline itself is never touched.
func TestBlacklistRigidityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		blacklistUntil := rapid.Int64Range(1, 1_000_000_000).Draw(rt, "blacklistUntil")
		now := rapid.Int64Range(0, blacklistUntil-1).Draw(rt, "now")
		httpStatus := rapid.SampledFrom([]int{429, 500, 502, 503, 200}).Draw(rt, "httpStatus")

		c := newCenterForTest()
		defer c.Close()
		c.Submit(SetBlacklistEvent{ProviderKey: "p", UntilMs: blacklistUntil})
		c.Submit(ErrorEvent{ProviderKey: "p", HTTPStatus: httpStatus, NowMs: now})
		drainSync(c)

		st, _ := c.State("p")
		if st.BlacklistUntilMs != blacklistUntil {
			rt.Fatalf("blacklist deadline changed: want %d got %d", blacklistUntil, st.BlacklistUntilMs)
		}
		if st.Reason != ReasonBlacklist || st.InPool {
			rt.Fatalf("reason/inPool must stay blacklisted, got reason=%s inPool=%v", st.Reason, st.InPool)
		}
	})
}
