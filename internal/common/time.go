package common

import (
	"fmt"
	"time"
)

// FormatAge returns a human-readable age string for a timestamp.
// Examples: "just now", "5m ago", "3h ago", "2d ago"
func FormatAge(t time.Time) string {
	return FormatDuration(time.Since(t))
}

// FormatDuration returns a human-readable string for a duration.
// Examples: "just now", "5m ago", "3h ago", "2d ago"
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		return fmt.Sprintf("%dm ago", mins)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		return fmt.Sprintf("%dh ago", hours)
	}
	days := int(d.Hours() / 24)
	return fmt.Sprintf("%dd ago", days)
}

// FormatRemaining returns a countdown string for a future deadline, used by
// the claims table. Examples: "expired", "45s left", "5m left", "2h left"
func FormatRemaining(deadline time.Time) string {
	d := time.Until(deadline)
	if d <= 0 {
		return "expired"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds left", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm left", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh left", int(d.Hours()))
}
