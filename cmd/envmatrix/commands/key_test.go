package commands

import (
	"testing"
	"time"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
)

func TestParseMonth(t *testing.T) {
	got, err := parseMonth("2026-09")
	if err != nil {
		t.Fatalf("parseMonth() error = %v", err)
	}
	if got.Year() != 2026 || got.Month() != time.September {
		t.Errorf("parseMonth() = %v, want September 2026", got)
	}

	// The parsed instant must land in the requested month bucket.
	key := cachekey.Build("ubuntu-latest", "3.11", got, []byte("name: proj"), 0)
	if key.MonthBucket != "2026-09" {
		t.Errorf("key month bucket = %q, want 2026-09", key.MonthBucket)
	}

	for _, bad := range []string{"2026", "2026-13", "09-2026", "next month"} {
		if _, err := parseMonth(bad); err == nil {
			t.Errorf("parseMonth(%q) expected error", bad)
		}
	}
}

func TestMonthFlagRegistered(t *testing.T) {
	for _, cmd := range []string{"key", "run"} {
		root := newRootCommand("test", "none", "today")
		sub, _, err := root.Find([]string{cmd})
		if err != nil {
			t.Fatalf("find %s: %v", cmd, err)
		}
		if sub.Flags().Lookup("month") == nil {
			t.Errorf("%s command is missing the --month flag", cmd)
		}
	}
}
