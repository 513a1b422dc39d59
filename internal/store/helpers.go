package store

import (
	"encoding/json"
	"time"
)

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func encodeHandles(handles []int) string {
	if len(handles) == 0 {
		return "[]"
	}
	b, err := json.Marshal(handles)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeHandles(v string) []int {
	if v == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(v), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
