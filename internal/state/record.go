// Package state stores per-user matchmaking state in Redis.
//
// Each user has exactly one long-lived record (a Redis hash) that cycles
// through the statuses idle -> waiting -> claiming -> matched -> idle across
// many match attempts. Waiting users are additionally indexed per mode in a
// pool set, and tentatively-claimed users in a sorted set scored by claim
// time so stuck claims can be swept.
//
//	Key:   match:user:<user_id>   -> Hash (the record)
//	Key:   match:pool:<mode>      -> Set of waiting user ids
//	Key:   match:claiming         -> Sorted set, score = claim timestamp (ms)
package state

import (
	"strings"
	"time"
)

const (
	// Status constants for the per-user match state machine.
	StatusIdle     = "idle"
	StatusWaiting  = "waiting"
	StatusClaiming = "claiming"
	StatusMatched  = "matched"

	// StaleAfter is how long a waiting record stays claimable without a
	// liveness signal. A candidate whose heartbeat is older models an
	// abandoned client (closed tab, killed app) and is skipped without
	// requiring an explicit cancel.
	StaleAfter = 90 * time.Second
)

// Record is a user's matchmaking state as stored in Redis.
type Record struct {
	UserID        string `redis:"user_id"`
	Status        string `redis:"status"`
	Mode          string `redis:"mode"`
	Interests     string `redis:"interests"`      // comma-separated, opaque passthrough
	QueuedAt      int64  `redis:"queued_at"`      // unix millis
	LastHeartbeat int64  `redis:"last_heartbeat"` // unix millis
	RoomURL       string `redis:"room_url"`
	PartnerID     string `redis:"partner_id"`
	MatchedAt     int64  `redis:"matched_at"` // unix millis
}

// InterestList splits the stored interest set. The matcher never interprets
// interests beyond passing them through.
func (r *Record) InterestList() []string {
	if r.Interests == "" {
		return nil
	}
	return strings.Split(r.Interests, ",")
}

// livenessMillis is the timestamp staleness is judged against: the most
// recent heartbeat, falling back to enqueue time for records that never
// reported one.
func (r *Record) livenessMillis() int64 {
	if r.LastHeartbeat != 0 {
		return r.LastHeartbeat
	}
	return r.QueuedAt
}

// eligible reports whether a pool record may be claimed by userID at the
// given instant: the record must exist, still be waiting in the same mode,
// not belong to the caller, and its liveness signal must be no older than
// StaleAfter. The mode check matters because a user who re-requests under a
// new mode may still be referenced by their old mode's pool set.
func eligible(r *Record, userID, mode string, nowMillis int64) bool {
	if r == nil || r.Status != StatusWaiting {
		return false
	}
	if r.Mode != mode {
		return false
	}
	if r.UserID == userID {
		return false
	}
	return nowMillis-r.livenessMillis() <= StaleAfter.Milliseconds()
}
