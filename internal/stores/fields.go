package stores

import (
	"strconv"
	"time"
)

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func normalizeTenant(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}
