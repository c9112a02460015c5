package notify

import (
	"fmt"
	"strings"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/jobs"
)

// FormatJob renders the plain-text message for a job trigger.
func FormatJob(trigger string, j jobs.Job, now time.Time) string {
	name := j.Title
	if name == "" {
		name = j.Event
	}
	var b strings.Builder
	switch trigger {
	case catalog.OnStart:
		fmt.Fprintf(&b, "▶️ %s started", name)
	case catalog.OnSuccess:
		fmt.Fprintf(&b, "✅ %s completed", name)
	case catalog.OnError:
		fmt.Fprintf(&b, "❌ %s failed (code %d)", name, j.Code)
	case catalog.OnAbort:
		fmt.Fprintf(&b, "⛔ %s aborted", name)
	case catalog.OnWarning:
		fmt.Fprintf(&b, "⚠️ %s warning", name)
	default:
		fmt.Fprintf(&b, "%s %s", name, j.State)
	}
	if j.Server != "" {
		fmt.Fprintf(&b, " on %s", j.Server)
	}
	if d := j.Elapsed(now); d > 0 {
		fmt.Fprintf(&b, " after %s", d)
	}
	fmt.Fprintf(&b, "\njob: %s", j.ID)
	if j.Retries > 0 {
		fmt.Fprintf(&b, " (retry %d)", j.Retries)
	}
	desc := j.Description
	if trigger == catalog.OnAbort && j.AbortReason != "" {
		desc = j.AbortReason
	}
	if desc != "" {
		b.WriteString("\n")
		b.WriteString(truncate(desc, 1000))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
