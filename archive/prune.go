package archive

import (
	"sort"
	"time"

	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// RetentionPolicy selects which archives survive a Prune, per spec.md
// §4.6: "keep last N; and the newest within each of:
// hourly/daily/weekly/monthly/yearly buckets."
type RetentionPolicy struct {
	KeepLast    int
	KeepHourly  int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}

type archiveTimestamp struct {
	name string
	t    time.Time
}

// SelectForPrune returns the names of archives that should be deleted
// under policy, given the manifest's current archive list. Selection
// is deterministic given (archive timestamps, policy), per spec.md §8:
// checkpoint archives are never subject to retention (they're not
// counted as real archives in the first place).
func SelectForPrune(m Manifest, policy RetentionPolicy) []string {
	var entries []archiveTimestamp
	for name, ref := range m.Archives {
		if isCheckpointName(name) {
			continue
		}
		entries = append(entries, archiveTimestamp{name: name, t: ref.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].t.Before(entries[j].t) })

	keep := make(map[string]bool)

	n := len(entries)
	for i := n - policy.KeepLast; i < n; i++ {
		if i >= 0 {
			keep[entries[i].name] = true
		}
	}

	keepNewestPerBucket(entries, policy.KeepHourly, bucketHourly, keep)
	keepNewestPerBucket(entries, policy.KeepDaily, bucketDaily, keep)
	keepNewestPerBucket(entries, policy.KeepWeekly, bucketWeekly, keep)
	keepNewestPerBucket(entries, policy.KeepMonthly, bucketMonthly, keep)
	keepNewestPerBucket(entries, policy.KeepYearly, bucketYearly, keep)

	var remove []string
	for _, e := range entries {
		if !keep[e.name] {
			remove = append(remove, e.name)
		}
	}
	sort.Strings(remove)
	return remove
}

// keepNewestPerBucket walks entries newest-first, keeping the first
// (i.e. newest) entry seen in each distinct bucket, up to limit
// buckets, matching the standard "keep the newest within the last N
// buckets" retention shape.
func keepNewestPerBucket(entries []archiveTimestamp, limit int, bucketOf func(time.Time) string, keep map[string]bool) {
	if limit <= 0 {
		return
	}
	seen := make(map[string]bool)
	for i := len(entries) - 1; i >= 0 && len(seen) < limit; i-- {
		b := bucketOf(entries[i].t)
		if seen[b] {
			continue
		}
		seen[b] = true
		keep[entries[i].name] = true
	}
}

func bucketHourly(t time.Time) string  { return t.Format("2006-01-02T15") }
func bucketDaily(t time.Time) string   { return t.Format("2006-01-02") }
func bucketWeekly(t time.Time) string  { y, w := t.ISOWeek(); return itoa(y) + "-W" + itoa(w) }
func bucketMonthly(t time.Time) string { return t.Format("2006-01") }
func bucketYearly(t time.Time) string  { return t.Format("2006") }

func isCheckpointName(name string) bool {
	return len(name) > len(checkpointSuffix) && name[len(name)-len(checkpointSuffix):] == checkpointSuffix
}

// Prune deletes every archive SelectForPrune names, in one manifest
// read-modify-write per archive (mirroring Delete's per-archive commit
// shape, since each deletion's refcount bookkeeping is independent).
func Prune(repo *repository.Repository, keys crypto.Keys, chunks *cache.ChunksIndex, nonces crypto.NonceSource, policy RetentionPolicy, attachTAM bool) ([]string, error) {
	manifest, err := LoadManifest(repo, keys, false)
	if err != nil {
		return nil, err
	}
	toDelete := SelectForPrune(manifest, policy)
	for _, name := range toDelete {
		if err := Delete(repo, keys, chunks, nonces, name, attachTAM); err != nil {
			return nil, err
		}
	}
	return toDelete, nil
}
