package state

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, *redis.Client, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStore(rdb), rdb, ctx
}

// seedWaiting writes a waiting record and pool membership directly, with a
// chosen heartbeat age.
func seedWaiting(t *testing.T, rdb *redis.Client, ctx context.Context, userID, mode string, heartbeatAge time.Duration) {
	t.Helper()
	ts := time.Now().Add(-heartbeatAge).UnixMilli()
	if err := rdb.HSet(ctx, recordKey(userID),
		"user_id", userID,
		"status", StatusWaiting,
		"mode", mode,
		"queued_at", ts,
		"last_heartbeat", ts,
	).Err(); err != nil {
		t.Fatalf("failed to seed record for %s: %v", userID, err)
	}
	if err := rdb.SAdd(ctx, poolKey(mode), userID).Err(); err != nil {
		t.Fatalf("failed to seed pool for %s: %v", userID, err)
	}
}

func TestClaimOrEnqueue_EmptyPoolQueuesCaller(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	res, err := s.ClaimOrEnqueue(ctx, "alice", "video", []string{"music", "gaming"}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected OutcomeQueued, got %v", res.Outcome)
	}

	rec, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if rec == nil || rec.Status != StatusWaiting {
		t.Fatalf("expected alice waiting, got %+v", rec)
	}
	if rec.Mode != "video" {
		t.Errorf("expected mode=video, got %q", rec.Mode)
	}
	if rec.Interests != "music,gaming" {
		t.Errorf("expected joined interests, got %q", rec.Interests)
	}
	if rec.QueuedAt == 0 || rec.LastHeartbeat == 0 {
		t.Errorf("expected queued_at and last_heartbeat set, got %+v", rec)
	}

	size, err := s.PoolSize(ctx, "video")
	if err != nil || size != 1 {
		t.Errorf("expected pool size 1, got %d (err=%v)", size, err)
	}
}

func TestClaimOrEnqueue_ClaimsWaitingCandidate(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if _, err := s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now()); err != nil {
		t.Fatalf("enqueue alice: %v", err)
	}

	res, err := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("expected OutcomeClaimed, got %v", res.Outcome)
	}
	if res.Partner == nil || res.Partner.UserID != "alice" {
		t.Fatalf("expected partner alice, got %+v", res.Partner)
	}

	rec, err := s.Get(ctx, "alice")
	if err != nil || rec == nil {
		t.Fatalf("get alice: %v", err)
	}
	if rec.Status != StatusClaiming {
		t.Errorf("expected alice claiming, got %q", rec.Status)
	}

	size, _ := s.PoolSize(ctx, "video")
	if size != 0 {
		t.Errorf("expected empty pool after claim, got %d", size)
	}
}

func TestClaimOrEnqueue_SkipsSelf(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if _, err := s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// Alice re-attempts while already waiting: her own record must not be
	// selected as her candidate.
	res, err := s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected OutcomeQueued on re-attempt, got %v", res.Outcome)
	}

	size, _ := s.PoolSize(ctx, "video")
	if size != 1 {
		t.Errorf("expected pool size 1, got %d", size)
	}
}

func TestClaimOrEnqueue_SkipsStaleCandidate(t *testing.T) {
	s, rdb, ctx := setupTestStore(t)

	seedWaiting(t, rdb, ctx, "ghost", "video", 2*time.Minute)

	res, err := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected stale candidate to be skipped, got outcome %v", res.Outcome)
	}

	rec, _ := s.Get(ctx, "ghost")
	if rec == nil || rec.Status != StatusWaiting {
		t.Errorf("stale record should be left untouched, got %+v", rec)
	}
}

func TestClaimOrEnqueue_StalenessWindowEdges(t *testing.T) {
	s, rdb, ctx := setupTestStore(t)

	seedWaiting(t, rdb, ctx, "alice", "video", 89*time.Second)

	res, err := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("candidate 89s old should still be claimable, got outcome %v", res.Outcome)
	}

	// One second past the window the candidate is no longer claimable.
	seedWaiting(t, rdb, ctx, "carol", "audio", 91*time.Second)

	res, err = s.ClaimOrEnqueue(ctx, "dave", "audio", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("candidate 91s old should be skipped, got outcome %v", res.Outcome)
	}
}

func TestClaimOrEnqueue_ModeSwitchMovesCallerBetweenPools(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if _, err := s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now()); err != nil {
		t.Fatalf("enqueue alice in video: %v", err)
	}

	// Alice changes her mind and re-requests in audio: her record moves and
	// the video pool must no longer reference her.
	res, err := s.ClaimOrEnqueue(ctx, "alice", "audio", nil, time.Now())
	if err != nil {
		t.Fatalf("re-enqueue alice in audio: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected OutcomeQueued, got %v", res.Outcome)
	}

	if size, _ := s.PoolSize(ctx, "video"); size != 0 {
		t.Errorf("expected empty video pool after mode switch, got %d", size)
	}
	if size, _ := s.PoolSize(ctx, "audio"); size != 1 {
		t.Errorf("expected alice in audio pool, got size %d", size)
	}

	// A video caller must not be paired with a user now waiting in audio.
	res, err = s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil {
		t.Fatalf("enqueue bob: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected bob queued, got outcome %v partner=%+v", res.Outcome, res.Partner)
	}

	// An audio caller pairs with her as usual.
	res, err = s.ClaimOrEnqueue(ctx, "carol", "audio", nil, time.Now())
	if err != nil {
		t.Fatalf("enqueue carol: %v", err)
	}
	if res.Outcome != OutcomeClaimed || res.Partner == nil || res.Partner.UserID != "alice" {
		t.Fatalf("expected carol to claim alice in audio, got %+v", res)
	}
}

func TestClaimOrEnqueue_BusyWhenSelfClaimingOrMatched(t *testing.T) {
	s, rdb, ctx := setupTestStore(t)

	for _, status := range []string{StatusClaiming, StatusMatched} {
		rdb.HSet(ctx, recordKey("alice"), "user_id", "alice", "status", status)

		res, err := s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now())
		if err != nil {
			t.Fatalf("status %s: unexpected error: %v", status, err)
		}
		if res.Outcome != OutcomeBusy {
			t.Errorf("status %s: expected OutcomeBusy, got %v", status, res.Outcome)
		}

		size, _ := s.PoolSize(ctx, "video")
		if size != 0 {
			t.Errorf("status %s: busy outcome must not write to the pool, size=%d", status, size)
		}
	}
}

func TestClaimOrEnqueue_IgnoresPoolMemberWithoutRecord(t *testing.T) {
	s, rdb, ctx := setupTestStore(t)

	// Pool references a user whose record vanished: treated like no
	// candidate at all.
	rdb.SAdd(ctx, poolKey("video"), "phantom")

	res, err := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected OutcomeQueued, got %v", res.Outcome)
	}
}

func TestClaimOrEnqueue_ModesDoNotMix(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if _, err := s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now()); err != nil {
		t.Fatalf("enqueue alice: %v", err)
	}

	res, err := s.ClaimOrEnqueue(ctx, "bob", "audio", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected no cross-mode pairing, got outcome %v", res.Outcome)
	}
}

func TestCompleteMatch_SetsReciprocalRecords(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now())
	res, err := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil || res.Outcome != OutcomeClaimed {
		t.Fatalf("claim failed: %+v err=%v", res, err)
	}

	if err := s.CompleteMatch(ctx, "bob", "alice", "video", "https://x.daily.co/r1", time.Now()); err != nil {
		t.Fatalf("complete match: %v", err)
	}

	alice, _ := s.Get(ctx, "alice")
	bob, _ := s.Get(ctx, "bob")
	if alice == nil || bob == nil {
		t.Fatal("expected both records to exist")
	}
	if alice.Status != StatusMatched || bob.Status != StatusMatched {
		t.Errorf("expected both matched, got alice=%q bob=%q", alice.Status, bob.Status)
	}
	if alice.PartnerID != "bob" || bob.PartnerID != "alice" {
		t.Errorf("partner ids not reciprocal: alice->%q bob->%q", alice.PartnerID, bob.PartnerID)
	}
	if alice.RoomURL != "https://x.daily.co/r1" || bob.RoomURL != alice.RoomURL {
		t.Errorf("room url mismatch: alice=%q bob=%q", alice.RoomURL, bob.RoomURL)
	}
	if alice.MatchedAt == 0 || bob.MatchedAt == 0 {
		t.Error("expected matched_at set on both records")
	}

	stuck, _ := s.StuckClaims(ctx, time.Now().Add(time.Minute))
	if len(stuck) != 0 {
		t.Errorf("claiming index should be empty after completion, got %v", stuck)
	}
}

func TestReleasePair_ReturnsBothToIdle(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now())
	res, err := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if err != nil || res.Outcome != OutcomeClaimed {
		t.Fatalf("claim failed: %+v err=%v", res, err)
	}

	if err := s.ReleasePair(ctx, "bob", "alice", "video"); err != nil {
		t.Fatalf("release: %v", err)
	}

	for _, id := range []string{"alice", "bob"} {
		rec, _ := s.Get(ctx, id)
		if rec == nil || rec.Status != StatusIdle {
			t.Errorf("expected %s idle after release, got %+v", id, rec)
		}
	}

	stuck, _ := s.StuckClaims(ctx, time.Now().Add(time.Minute))
	if len(stuck) != 0 {
		t.Errorf("claiming index should be empty after release, got %v", stuck)
	}
}

func TestReset_Idempotent(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now())
	res, _ := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("claim failed: %+v", res)
	}
	if err := s.CompleteMatch(ctx, "bob", "alice", "video", "https://x.daily.co/r1", time.Now()); err != nil {
		t.Fatalf("complete match: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Reset(ctx, "alice"); err != nil {
			t.Fatalf("reset attempt %d: %v", i+1, err)
		}
		rec, _ := s.Get(ctx, "alice")
		if rec == nil || rec.Status != StatusIdle {
			t.Fatalf("reset attempt %d: expected idle, got %+v", i+1, rec)
		}
		if rec.RoomURL != "" || rec.PartnerID != "" || rec.MatchedAt != 0 {
			t.Errorf("reset attempt %d: room fields not cleared: %+v", i+1, rec)
		}
	}
}

func TestReset_UnknownUserIsNoError(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Reset(ctx, "nobody"); err != nil {
		t.Fatalf("reset of unknown user should not error: %v", err)
	}
}

func TestHeartbeat_OnlyUpdatesWaitingRecords(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now().Add(-time.Minute))
	before, _ := s.Get(ctx, "alice")

	if err := s.Heartbeat(ctx, "alice", time.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	after, _ := s.Get(ctx, "alice")
	if after.LastHeartbeat <= before.LastHeartbeat {
		t.Error("expected heartbeat to advance last_heartbeat")
	}

	// Heartbeats on non-waiting records are ignored.
	res, _ := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("claim failed: %+v", res)
	}
	claimed, _ := s.Get(ctx, "alice")
	if err := s.Heartbeat(ctx, "alice", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("heartbeat on claiming record: %v", err)
	}
	unchanged, _ := s.Get(ctx, "alice")
	if unchanged.LastHeartbeat != claimed.LastHeartbeat {
		t.Error("heartbeat must not touch a non-waiting record")
	}

	if err := s.Heartbeat(ctx, "nobody", time.Now()); err != nil {
		t.Fatalf("heartbeat for unknown user should not error: %v", err)
	}
}

func TestStuckClaims_ReturnsOnlyOldClaims(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	s.ClaimOrEnqueue(ctx, "alice", "video", nil, time.Now())
	res, _ := s.ClaimOrEnqueue(ctx, "bob", "video", nil, time.Now())
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("claim failed: %+v", res)
	}

	// A fresh claim is not stuck.
	stuck, err := s.StuckClaims(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stuck claims: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("fresh claim should not be reported stuck, got %v", stuck)
	}

	// With a cutoff in the future the claim qualifies.
	stuck, err = s.StuckClaims(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("stuck claims: %v", err)
	}
	if len(stuck) != 1 || stuck[0] != "alice" {
		t.Errorf("expected [alice], got %v", stuck)
	}

	// Reset clears the claiming index.
	if err := s.Reset(ctx, "alice"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	stuck, _ = s.StuckClaims(ctx, time.Now().Add(time.Minute))
	if len(stuck) != 0 {
		t.Errorf("expected empty after reset, got %v", stuck)
	}
}
