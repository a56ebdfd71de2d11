// Package matchmaker pairs two concurrently-arriving users into a single
// video room. All coordination is delegated to the state store's optimistic
// transactions; the room provider is called strictly outside the transaction
// and a failed provisioning call compensates both parties back to idle.
package matchmaker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pairview/match-service/internal/metrics"
	"github.com/pairview/match-service/internal/state"
)

// Request is a typed match request. Fields are validated at the API boundary
// before the core is invoked.
type Request struct {
	UserID    string   `json:"user_id"`
	Mode      string   `json:"mode"`
	Interests []string `json:"interests"`
}

// Result is the caller-visible outcome of a match attempt. Matched=false
// means the caller is now queued (or briefly lost an internal race) and
// should poll again — the expected "still waiting" response, not an error.
type Result struct {
	Matched   bool   `json:"matched"`
	PartnerID string `json:"partner_id,omitempty"`
	RoomURL   string `json:"room_url,omitempty"`
}

// RoomProvider provisions a video session endpoint. It is slow, fallible
// network I/O and must never run inside the state transaction.
type RoomProvider interface {
	CreateRoom(ctx context.Context) (string, error)
}

// Notifier delivers the match result to the partner, who discovers the
// pairing asynchronously on their own subject.
type Notifier interface {
	PublishMatchFound(userID string, data []byte) error
}

// Archiver durably records completed pairings for later review. Optional;
// archive failures are logged and never affect the match outcome.
type Archiver interface {
	RecordMatch(ctx context.Context, userA, userB, mode, roomURL string, matchedAt time.Time) error
}

// Service is the matchmaking core.
type Service struct {
	store    *state.Store
	rooms    RoomProvider
	notifier Notifier
	archive  Archiver
}

// NewService creates a matchmaker. notifier and archive may be nil.
func NewService(store *state.Store, rooms RoomProvider, notifier Notifier, archive Archiver) *Service {
	return &Service{store: store, rooms: rooms, notifier: notifier, archive: archive}
}

// RequestMatch attempts to pair the caller with a waiting user in the same
// mode. When no eligible candidate exists the caller is enqueued instead and
// the result reports Matched=false.
func (s *Service) RequestMatch(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" || req.Mode == "" {
		return nil, fmt.Errorf("matchmaker: user_id and mode are required")
	}

	// Fast pre-read. Not a substitute for the in-transaction check — this
	// read can race — but it rejects the common case without opening a
	// transaction.
	rec, err := s.store.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Status == state.StatusMatched {
		metrics.MatchRequests.WithLabelValues("already_matched").Inc()
		return nil, ErrAlreadyMatched
	}

	claim, err := s.store.ClaimOrEnqueue(ctx, req.UserID, req.Mode, req.Interests, time.Now())
	if err != nil {
		metrics.MatchRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	s.observePool(ctx, req.Mode)

	switch claim.Outcome {
	case state.OutcomeBusy:
		// Own record changed underneath the pre-read (matched or mid-claim
		// elsewhere). The caller retries shortly.
		metrics.MatchRequests.WithLabelValues("not_ready").Inc()
		return &Result{Matched: false}, nil
	case state.OutcomeQueued:
		metrics.MatchRequests.WithLabelValues("queued").Inc()
		log.Printf("[matchmaker] queued %s mode=%s", req.UserID, req.Mode)
		return &Result{Matched: false}, nil
	}

	partner := claim.Partner

	start := time.Now()
	roomURL, err := s.rooms.CreateRoom(ctx)
	metrics.ProvisioningLatency.Observe(time.Since(start).Seconds())
	if err != nil || roomURL == "" {
		s.compensate(ctx, req.UserID, partner.UserID, req.Mode)
		metrics.MatchRequests.WithLabelValues("provisioning_failed").Inc()
		if err == nil {
			err = fmt.Errorf("provider returned empty room url")
		}
		return nil, fmt.Errorf("%w: %v", ErrRoomProvisioning, err)
	}

	matchedAt := time.Now()
	if err := s.store.CompleteMatch(ctx, req.UserID, partner.UserID, req.Mode, roomURL, matchedAt); err != nil {
		// The pairing never became durable, so the partner must not stay
		// claimed. The room itself expires on its own.
		s.compensate(ctx, req.UserID, partner.UserID, req.Mode)
		metrics.MatchRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	s.notifyPartner(partner.UserID, req.UserID, req.Mode, roomURL, matchedAt)

	if s.archive != nil {
		if err := s.archive.RecordMatch(ctx, req.UserID, partner.UserID, req.Mode, roomURL, matchedAt); err != nil {
			log.Printf("[matchmaker] archive %s/%s: %v", req.UserID, partner.UserID, err)
		}
	}

	metrics.MatchRequests.WithLabelValues("matched").Inc()
	log.Printf("[matchmaker] matched %s with %s mode=%s", req.UserID, partner.UserID, req.Mode)
	return &Result{Matched: true, PartnerID: partner.UserID, RoomURL: roomURL}, nil
}

// Leave unconditionally returns the user to idle, clearing any room state.
// Safe to call repeatedly.
func (s *Service) Leave(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("matchmaker: user_id is required")
	}
	if err := s.store.Reset(ctx, userID); err != nil {
		return err
	}
	log.Printf("[matchmaker] %s left", userID)
	return nil
}

// Heartbeat refreshes the liveness timestamp on the caller's waiting record.
func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("matchmaker: user_id is required")
	}
	return s.store.Heartbeat(ctx, userID, time.Now())
}

// compensate reverts both parties to idle after a mid-pairing failure. The
// write is best-effort: a partial failure leaves at most one claiming record
// for the reconciler to recover, and is logged rather than retried.
func (s *Service) compensate(ctx context.Context, userID, partnerID, mode string) {
	if err := s.store.ReleasePair(ctx, userID, partnerID, mode); err != nil {
		log.Printf("[matchmaker] compensation for %s/%s failed: %v", userID, partnerID, err)
	}
}

func (s *Service) observePool(ctx context.Context, mode string) {
	if n, err := s.store.PoolSize(ctx, mode); err == nil {
		metrics.WaitingPool.WithLabelValues(mode).Set(float64(n))
	}
}
