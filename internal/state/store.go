package state

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairview/match-service/internal/metrics"
)

const (
	keyRecordPrefix = "match:user:"
	keyPoolPrefix   = "match:pool:"
	keyClaiming     = "match:claiming"

	// maxTxnRetries bounds how often a claim transaction is re-run after a
	// write conflict before the attempt surfaces as a failure. Conflicts are
	// expected churn under concurrent match requests and are never reported
	// to callers directly.
	maxTxnRetries = 16
)

// ErrTxnRetriesExhausted is returned when the claim transaction kept
// conflicting with concurrent requests beyond the retry bound.
var ErrTxnRetriesExhausted = errors.New("state: claim transaction retries exhausted")

// Outcome classifies the result of a ClaimOrEnqueue transaction.
type Outcome int

const (
	// OutcomeQueued: no eligible candidate existed, the caller is now waiting.
	OutcomeQueued Outcome = iota
	// OutcomeClaimed: a waiting candidate was atomically moved to claiming.
	OutcomeClaimed
	// OutcomeBusy: the caller's own record is matched or mid-claim; nothing
	// was written and the caller should retry shortly.
	OutcomeBusy
)

// ClaimResult carries the transaction outcome. Partner is set only for
// OutcomeClaimed and holds the candidate's record as read inside the
// transaction.
type ClaimResult struct {
	Outcome Outcome
	Partner *Record
}

// Store manages match state records in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a store using the provided Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func recordKey(userID string) string { return keyRecordPrefix + userID }
func poolKey(mode string) string     { return keyPoolPrefix + mode }

// Get retrieves a user's record. Returns nil if the user has none yet.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	var rec Record
	if err := s.rdb.HGetAll(ctx, recordKey(userID)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("state: get %s: %w", userID, err)
	}
	if rec.Status == "" {
		return nil, nil
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	return &rec, nil
}

// getTx reads a record on the transaction connection so the read is covered
// by the surrounding WATCH.
func getTx(ctx context.Context, tx *redis.Tx, userID string) (*Record, error) {
	var rec Record
	if err := tx.HGetAll(ctx, recordKey(userID)).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.Status == "" {
		return nil, nil
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	return &rec, nil
}

// ClaimOrEnqueue is the matchmaking transaction. In one atomic unit it either
// claims an eligible waiting candidate in the caller's mode (moving the
// candidate to claiming) or, when none exists, enqueues the caller into the
// waiting pool.
//
// The transaction runs under WATCH over the caller's record, the mode pool
// and every candidate record read. Two concurrent requests racing for the
// same candidate therefore serialize at EXEC: one commits, the other fails,
// re-runs with fresh reads, observes the candidate already claiming and falls
// through to enqueuing itself. No other locking is involved.
func (s *Store) ClaimOrEnqueue(ctx context.Context, userID, mode string, interests []string, now time.Time) (*ClaimResult, error) {
	var result *ClaimResult
	nowMillis := now.UnixMilli()

	txn := func(tx *redis.Tx) error {
		// Re-check the caller's own status inside the transaction; the
		// pre-read done by the service layer can race.
		self, err := getTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if self != nil && (self.Status == StatusMatched || self.Status == StatusClaiming) {
			result = &ClaimResult{Outcome: OutcomeBusy}
			return nil
		}

		// A caller switching modes leaves a dangling reference in the old
		// mode's pool set; drop it alongside the write so the old pool never
		// hands out a user whose record points elsewhere.
		var oldPool string
		if self != nil && self.Mode != "" && self.Mode != mode {
			oldPool = poolKey(self.Mode)
		}

		members, err := tx.SMembers(ctx, poolKey(mode)).Result()
		if err != nil {
			return err
		}

		var candidateKeys []string
		for _, id := range members {
			if id == userID {
				continue
			}
			candidateKeys = append(candidateKeys, recordKey(id))
		}

		var candidates []*Record
		if len(candidateKeys) > 0 {
			// Watch candidate records before reading them so a concurrent
			// claim of the same candidate fails this transaction at EXEC.
			if err := tx.Watch(ctx, candidateKeys...).Err(); err != nil {
				return err
			}
			for _, id := range members {
				if id == userID {
					continue
				}
				cand, err := getTx(ctx, tx, id)
				if err != nil {
					return err
				}
				if eligible(cand, userID, mode, nowMillis) {
					candidates = append(candidates, cand)
				}
			}
		}

		if len(candidates) == 0 {
			// Nobody to pair with: enqueue the caller. Merge write — fields
			// from a previous match cycle are left untouched.
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, recordKey(userID),
					"user_id", userID,
					"status", StatusWaiting,
					"mode", mode,
					"interests", strings.Join(interests, ","),
					"queued_at", nowMillis,
					"last_heartbeat", nowMillis,
				)
				pipe.SAdd(ctx, poolKey(mode), userID)
				if oldPool != "" {
					pipe.SRem(ctx, oldPool, userID)
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = &ClaimResult{Outcome: OutcomeQueued}
			return nil
		}

		// Uniform random pick among eligible candidates. Deliberate policy:
		// no FIFO ordering.
		partner := candidates[rand.Intn(len(candidates))]

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, recordKey(partner.UserID), "status", StatusClaiming)
			// Both parties leave the pool here. Removing the caller as well
			// keeps a previously-waiting caller from being claimed by a
			// third request while this pairing is still provisioning.
			pipe.SRem(ctx, poolKey(mode), partner.UserID, userID)
			if oldPool != "" {
				pipe.SRem(ctx, oldPool, userID)
			}
			pipe.ZAdd(ctx, keyClaiming, redis.Z{Score: float64(nowMillis), Member: partner.UserID})
			return nil
		})
		if err != nil {
			return err
		}
		result = &ClaimResult{Outcome: OutcomeClaimed, Partner: partner}
		return nil
	}

	watchKeys := []string{recordKey(userID), poolKey(mode)}
	for i := 0; i < maxTxnRetries; i++ {
		err := s.rdb.Watch(ctx, txn, watchKeys...)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another request touched the read set; re-run with fresh reads.
			metrics.TxnRetries.Inc()
			continue
		}
		return nil, fmt.Errorf("state: claim transaction: %w", err)
	}
	return nil, ErrTxnRetriesExhausted
}

// CompleteMatch commits a provisioned pairing for both users as a batched,
// non-transactional write. Both records are already owned by this request
// (the caller is out of the pool, the partner is claiming), so unconditional
// writes suffice and no further contention is expected.
func (s *Store) CompleteMatch(ctx context.Context, userID, partnerID, mode, roomURL string, now time.Time) error {
	nowMillis := now.UnixMilli()
	pipe := s.rdb.Pipeline()
	for _, pair := range [][2]string{{userID, partnerID}, {partnerID, userID}} {
		pipe.HSet(ctx, recordKey(pair[0]),
			"user_id", pair[0],
			"status", StatusMatched,
			"mode", mode,
			"room_url", roomURL,
			"partner_id", pair[1],
			"matched_at", nowMillis,
		)
	}
	pipe.SRem(ctx, poolKey(mode), userID, partnerID)
	pipe.ZRem(ctx, keyClaiming, partnerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: complete match %s/%s: %w", userID, partnerID, err)
	}
	return nil
}

// ReleasePair is the compensation write after a provisioning failure: both
// parties return to idle. The two writes are submitted together but are not
// atomic across keys — a partial failure leaves at most one claiming record,
// which the reconciler sweep recovers.
func (s *Store) ReleasePair(ctx context.Context, userID, partnerID, mode string) error {
	pipe := s.rdb.Pipeline()
	for _, id := range []string{userID, partnerID} {
		pipe.HSet(ctx, recordKey(id), "user_id", id, "status", StatusIdle)
		pipe.HDel(ctx, recordKey(id), "room_url", "partner_id", "matched_at")
	}
	pipe.SRem(ctx, poolKey(mode), userID, partnerID)
	pipe.ZRem(ctx, keyClaiming, userID, partnerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: release %s/%s: %w", userID, partnerID, err)
	}
	return nil
}

// Reset unconditionally returns a user to idle, clearing room URL, partner
// and matched-at. Idempotent: resetting an already-idle or absent record is
// not an error.
func (s *Store) Reset(ctx context.Context, userID string) error {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, recordKey(userID), "user_id", userID, "status", StatusIdle)
	pipe.HDel(ctx, recordKey(userID), "room_url", "partner_id", "matched_at")
	if rec != nil && rec.Mode != "" {
		pipe.SRem(ctx, poolKey(rec.Mode), userID)
	}
	pipe.ZRem(ctx, keyClaiming, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: reset %s: %w", userID, err)
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp on the caller's own waiting
// record. Records in any other status are left untouched; the matcher itself
// only ever writes this field at enqueue time.
func (s *Store) Heartbeat(ctx context.Context, userID string, now time.Time) error {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != StatusWaiting {
		return nil
	}
	if err := s.rdb.HSet(ctx, recordKey(userID), "last_heartbeat", now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("state: heartbeat %s: %w", userID, err)
	}
	return nil
}

// StuckClaims returns user ids that entered claiming before the cutoff and
// never resolved to matched or idle — crash artifacts for the reconciler.
func (s *Store) StuckClaims(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, keyClaiming, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("state: stuck claims: %w", err)
	}
	return ids, nil
}

// PoolSize returns the number of waiting users in a mode's pool.
func (s *Store) PoolSize(ctx context.Context, mode string) (int64, error) {
	return s.rdb.SCard(ctx, poolKey(mode)).Result()
}
