package matchmaker

import (
	"encoding/json"
	"log"
	"time"
)

// MatchFound is the payload published on match.found.<user_id> once a
// pairing commits. The partner's client picks it up by subscribing to its
// own subject.
type MatchFound struct {
	PartnerID string `json:"partner_id"`
	Mode      string `json:"mode"`
	RoomURL   string `json:"room_url"`
	MatchedAt int64  `json:"matched_at"` // unix millis
}

// HeartbeatSignal is the NATS payload edge servers publish to refresh a
// waiting user's liveness timestamp.
type HeartbeatSignal struct {
	UserID string `json:"user_id"`
}

// LeaveRequest is the NATS payload edge servers publish when a user leaves.
type LeaveRequest struct {
	UserID string `json:"user_id"`
}

func (s *Service) notifyPartner(partnerID, callerID, mode, roomURL string, matchedAt time.Time) {
	if s.notifier == nil {
		return
	}
	data, err := json.Marshal(MatchFound{
		PartnerID: callerID,
		Mode:      mode,
		RoomURL:   roomURL,
		MatchedAt: matchedAt.UnixMilli(),
	})
	if err != nil {
		log.Printf("[matchmaker] marshal match.found for %s: %v", partnerID, err)
		return
	}
	if err := s.notifier.PublishMatchFound(partnerID, data); err != nil {
		log.Printf("[matchmaker] publish match.found for %s: %v", partnerID, err)
	}
}
