package export

import (
	"strconv"
	"time"
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
