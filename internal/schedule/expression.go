package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/splax/depwatch/internal/domain"
)

var weekdays = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// Expression builds the cron expression for an update schedule, including its
// timezone. The result parses with cron.ParseStandard.
func Expression(s domain.UpdateSchedule) (string, error) {
	tz := s.Timezone
	if tz == "" {
		tz = "Etc/UTC"
	}

	if s.Cronjob != "" {
		expr := strings.TrimSpace(s.Cronjob)
		if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
			return expr, nil
		}
		return fmt.Sprintf("CRON_TZ=%s %s", tz, expr), nil
	}

	at := s.Time
	if at == "" {
		at = "02:00"
	}
	t, err := time.Parse("15:04", at)
	if err != nil {
		return "", fmt.Errorf("invalid schedule time %q", s.Time)
	}
	minute, hour := t.Minute(), t.Hour()

	switch s.Interval {
	case "daily":
		return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, minute, hour), nil
	case "weekly":
		day, ok := weekdays[strings.ToLower(s.Day)]
		if !ok {
			day = weekdays["monday"]
		}
		return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", tz, minute, hour, day), nil
	case "monthly":
		return fmt.Sprintf("CRON_TZ=%s %d %d 1 * *", tz, minute, hour), nil
	default:
		return "", fmt.Errorf("invalid schedule interval %q", s.Interval)
	}
}

// Next computes the schedule's first occurrence strictly after the given
// instant.
func Next(s domain.UpdateSchedule, after time.Time) (time.Time, error) {
	expr, err := Expression(s)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return parsed.Next(after), nil
}
