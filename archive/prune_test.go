package archive

import (
	"testing"
	"time"

	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/crypto"
)

func manifestWithArchives(names []string, times []time.Time) Manifest {
	m := NewManifest()
	for i, name := range names {
		m.Archives[name] = ArchiveRef{ID: crypto.ID{byte(i)}, Timestamp: times[i]}
	}
	return m
}

// TestSelectForPruneKeepLast mirrors spec.md's literal "keep last 2" example:
// of three daily archives, keeping the last 2 should select only the oldest.
func TestSelectForPruneKeepLast(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	names := []string{"day1", "day2", "day3"}
	times := []time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)}
	m := manifestWithArchives(names, times)

	remove := SelectForPrune(m, RetentionPolicy{KeepLast: 2})
	if len(remove) != 1 || remove[0] != "day1" {
		t.Fatalf("expected only day1 to be removed, got %v", remove)
	}
}

func TestSelectForPruneIgnoresCheckpoints(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := manifestWithArchives(
		[]string{"day1", "day1" + checkpointSuffix},
		[]time.Time{base, base},
	)
	remove := SelectForPrune(m, RetentionPolicy{KeepLast: 0})
	for _, name := range remove {
		if isCheckpointName(name) {
			t.Fatalf("checkpoint archive %q should never be selected for prune", name)
		}
	}
}

func TestSelectForPruneKeepDailyAcrossMonths(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	names := []string{"a", "b", "c"}
	times := []time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)}
	m := manifestWithArchives(names, times)

	remove := SelectForPrune(m, RetentionPolicy{KeepDaily: 2})
	if len(remove) != 1 || remove[0] != "a" {
		t.Fatalf("expected oldest day removed, kept the 2 most recent daily buckets: got %v", remove)
	}
}

func TestSelectForPruneKeepHourlyDedupesWithinSameHour(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	names := []string{"a", "b"}
	times := []time.Time{base, base.Add(30 * time.Minute)}
	m := manifestWithArchives(names, times)

	remove := SelectForPrune(m, RetentionPolicy{KeepHourly: 1})
	if len(remove) != 1 || remove[0] != "a" {
		t.Fatalf("expected the earlier of two same-hour archives removed, got %v", remove)
	}
}

func TestSelectForPruneDeterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var names []string
	var times []time.Time
	for i := 0; i < 10; i++ {
		names = append(names, "archive-"+itoa(i))
		times = append(times, base.AddDate(0, 0, i))
	}
	m := manifestWithArchives(names, times)
	policy := RetentionPolicy{KeepLast: 2, KeepDaily: 3}

	first := SelectForPrune(m, policy)
	second := SelectForPrune(m, policy)
	if len(first) != len(second) {
		t.Fatalf("non-deterministic result lengths: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic result ordering: %v vs %v", first, second)
		}
	}
}

func TestPruneDeletesSelectedArchives(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)
	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), false); err != nil {
		t.Fatalf("init manifest: %v", err)
	}

	srcDir := t.TempDir()
	writeTree(t, srcDir)

	chunks := cache.NewChunksIndex()
	for _, name := range []string{"day1", "day2", "day3"} {
		opts := CreateOptions{
			Name:   name,
			Root:   srcDir,
			Chunks: chunks,
			Files:  cache.NewFilesIndex(),
			Nonces: &testNonces{},
		}
		if err := Create(repo, keys, opts); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	deleted, err := Prune(repo, keys, chunks, &testNonces{}, RetentionPolicy{KeepLast: 1}, false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 archives pruned, got %v", deleted)
	}

	entries, err := List(repo, keys, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 archive left after prune, got %v", entries)
	}
}
