package cachekey

import (
	"strings"
	"testing"
	"time"
)

var baseTime = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func TestBuildIsPure(t *testing.T) {
	doc := []byte("name: proj-dev\ndependencies:\n  - numpy\n")

	first := Build("ubuntu-latest", "3.11", baseTime, doc, 2)
	second := Build("ubuntu-latest", "3.11", baseTime, doc, 2)

	if first != second {
		t.Errorf("identical inputs produced different keys:\n%s\n%s", first, second)
	}
	if first.String() != second.String() {
		t.Errorf("string forms differ")
	}
}

func TestBuildEveryFieldParticipates(t *testing.T) {
	doc := []byte("dependencies:\n  - numpy\n")
	base := Build("ubuntu-latest", "3.11", baseTime, doc, 0)

	variants := map[string]CacheKey{
		"platform": Build("macos-latest", "3.11", baseTime, doc, 0),
		"version":  Build("ubuntu-latest", "3.12", baseTime, doc, 0),
		"month":    Build("ubuntu-latest", "3.11", baseTime.AddDate(0, 1, 0), doc, 0),
		"document": Build("ubuntu-latest", "3.11", baseTime, []byte("dependencies:\n  - scipy\n"), 0),
		"epoch":    Build("ubuntu-latest", "3.11", baseTime, doc, 1),
	}

	for field, key := range variants {
		if key == base {
			t.Errorf("changing %s did not change the key", field)
		}
	}
}

func TestBuildMonthBucket(t *testing.T) {
	doc := []byte("dependencies: []\n")

	key := Build("ubuntu-latest", "3.11", baseTime, doc, 0)
	if key.MonthBucket != "2024-03" {
		t.Errorf("month bucket: got %q", key.MonthBucket)
	}

	// Same month, different day and hour: same key.
	later := Build("ubuntu-latest", "3.11",
		time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC), doc, 0)
	if key != later {
		t.Error("keys within one month must match")
	}

	// The month boundary rolls the bucket.
	next := Build("ubuntu-latest", "3.11",
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), doc, 0)
	if next.MonthBucket != "2024-04" {
		t.Errorf("month bucket: got %q", next.MonthBucket)
	}
	if key == next {
		t.Error("keys across a month boundary must differ")
	}
}

func TestBuildMonthBucketIsUTC(t *testing.T) {
	doc := []byte("dependencies: []\n")

	// 2024-03-31 23:00 in UTC+3 is 20:00 UTC, still March.
	zone := time.FixedZone("UTC+3", 3*60*60)
	local := time.Date(2024, 4, 1, 1, 0, 0, 0, zone)

	key := Build("ubuntu-latest", "3.11", local, doc, 0)
	if key.MonthBucket != "2024-03" {
		t.Errorf("expected UTC bucketing, got %q", key.MonthBucket)
	}
}

func TestBuildHashCoversWholeDocument(t *testing.T) {
	a := Build("ubuntu-latest", "3.11", baseTime, []byte("dependencies:\n  - numpy\n"), 0)
	// A comment-only change still changes the hash: the key is over the
	// raw document, not the parsed model.
	b := Build("ubuntu-latest", "3.11", baseTime, []byte("# note\ndependencies:\n  - numpy\n"), 0)

	if a.SpecHash == b.SpecHash {
		t.Error("document change did not change the hash")
	}
	if len(a.SpecHash) != 64 {
		t.Errorf("expected sha256 hex digest, got %d chars", len(a.SpecHash))
	}
}

func TestKeyStringForm(t *testing.T) {
	key := Build("ubuntu-latest", "3.11", baseTime, []byte("x"), 3)

	parts := strings.Split(key.String(), "/")
	if len(parts) != 5 {
		t.Fatalf("expected 5 segments, got %v", parts)
	}
	if parts[0] != "ubuntu-latest" || parts[1] != "3.11" || parts[2] != "2024-03" || parts[4] != "3" {
		t.Errorf("unexpected string form: %s", key)
	}
}
