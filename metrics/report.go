package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// PerformanceReport renders a human-readable summary of every saga
// type's counters, uptime, and recent event rate.
func (a *Aggregator) PerformanceReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", humanize.RelTime(time.Now().Add(-a.Uptime()), time.Now(), "ago", ""))
	fmt.Fprintf(&b, "event rate: %s/s (1m), %s/s (5m), %s/s (1h)\n",
		humanize.CommafWithDigits(a.EventRate(time.Minute), 2),
		humanize.CommafWithDigits(a.EventRate(5*time.Minute), 2),
		humanize.CommafWithDigits(a.EventRate(time.Hour), 2))

	for _, snap := range a.AllSnapshots() {
		fmt.Fprintf(&b, "%s: started=%s completed=%s failed=%s compensated=%s timed_out=%s\n",
			snap.SagaType,
			humanize.Comma(snap.Started),
			humanize.Comma(snap.Completed),
			humanize.Comma(snap.Failed),
			humanize.Comma(snap.Compensated),
			humanize.Comma(snap.TimedOut))
	}
	return b.String()
}
