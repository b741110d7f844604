package memory

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats reports per-tier counts, age range and size for a scope.
// A zero scope covers the whole store.
func (s *Store) Stats(ctx context.Context, scope Scope) (*MemoryStats, error) {
	const op = "stats"
	if !scope.IsZero() {
		resolved, err := s.ResolveScope(ctx, scope)
		if err != nil {
			return nil, err
		}
		scope = resolved
	}

	stats := &MemoryStats{Scope: scope, GeneratedAt: s.now()}

	// Short-term, including expired records still awaiting a sweep
	stats.Tiers = append(stats.Tiers, s.shortTermStats(scope))

	working, err := s.durableStats(ctx, TierWorking, scope)
	if err != nil {
		return nil, err
	}
	stats.Tiers = append(stats.Tiers, working)

	long, err := s.durableStats(ctx, TierLongTerm, Scope{WorkspaceID: scope.WorkspaceID})
	if err != nil {
		return nil, err
	}
	stats.Tiers = append(stats.Tiers, long)

	for _, ts := range stats.Tiers {
		stats.TotalRecords += ts.Count
		stats.ApproxBytes += ts.ApproxBytes
	}

	if scope.SessionID != "" {
		stats.Sessions = 1
	} else if stats.Sessions, err = s.durable.CountSessions(ctx, scope.WorkspaceID); err != nil {
		return nil, storageError(op, err)
	}
	if stats.Turns, err = s.durable.CountTurns(ctx, scope); err != nil {
		return nil, storageError(op, err)
	}

	size, err := s.durable.SizeBytes()
	if err != nil {
		return nil, storageError(op, err)
	}
	stats.DBSizeBytes = size
	stats.DBSize = humanize.Bytes(uint64(size))

	return stats, nil
}

func (s *Store) shortTermStats(scope Scope) TierStats {
	s.shortMu.Lock()
	defer s.shortMu.Unlock()

	ts := TierStats{Tier: TierShortTerm}
	now := s.now()
	for _, rec := range s.short {
		if !scope.Contains(rec.Scope) {
			continue
		}
		if rec.IsExpired(now) {
			ts.Expired++
			continue
		}
		accumulate(&ts, rec)
	}
	return ts
}

func (s *Store) durableStats(ctx context.Context, tier Tier, scope Scope) (TierStats, error) {
	mu := s.tierLock(tier)
	mu.Lock()
	defer mu.Unlock()

	recs, err := s.durable.ListRecords(ctx, tier, scope)
	if err != nil {
		return TierStats{}, storageError("stats", err)
	}
	ts := TierStats{Tier: tier}
	for _, rec := range recs {
		accumulate(&ts, rec)
		if rec.Pinned {
			ts.Pinned++
		}
	}
	return ts, nil
}

func accumulate(ts *TierStats, rec *Record) {
	ts.Count++
	ts.ApproxBytes += int64(len(rec.Content))
	for _, tag := range rec.Tags {
		ts.ApproxBytes += int64(len(tag))
	}
	if ts.Oldest == nil || rec.CreatedAt.Before(*ts.Oldest) {
		ts.Oldest = timePtr(rec.CreatedAt)
	}
	if ts.Newest == nil || rec.CreatedAt.After(*ts.Newest) {
		ts.Newest = timePtr(rec.CreatedAt)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
