package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"groupkeeper/internal/config"
)

// CronSpec turns a schedule string from config into something cron.Parser
// accepts. Cron expressions and descriptors ("0 * * * *", "@hourly") pass
// through. Intervals become "@every": a duration ("10m", "1d") via the config
// duration rules, or hours and minutes ("01:30").
func CronSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@"), strings.ContainsAny(s, " \t"):
		return s, nil
	}
	every, err := parseEvery(s)
	if err != nil {
		return "", fmt.Errorf("schedule %q: %w", raw, err)
	}
	if every <= 0 {
		return "", fmt.Errorf("schedule %q: interval must be positive", raw)
	}
	return "@every " + every.String(), nil
}

func parseEvery(s string) (time.Duration, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return config.ParseDurationField("schedule", s)
	}
	hours, err1 := strconv.Atoi(h)
	mins, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || len(m) != 2 || hours < 0 || mins > 59 {
		return 0, fmt.Errorf("want HH:MM")
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute, nil
}
