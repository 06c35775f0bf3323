package actuation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command delivery statuses
const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
)

// Command is one attempted dispatch to a display device. Every attempt is
// persisted for retry and audit; terminal failures are surfaced, never
// silently dropped.
type Command struct {
	ID              uuid.UUID
	SpaceID         uuid.UUID
	DisplayDeviceID string
	Payload         []byte
	ContentHash     string
	Status          string
	RetryCount      int
	NextAttemptAt   time.Time
	LastError       string
	CreatedAt       time.Time
	SentAt          *time.Time
	AcknowledgedAt  *time.Time
	FailedAt        *time.Time
}

// ContentHash fingerprints the device-relevant fields of a decision. Two
// decisions with the same hash would render identically on the device, so
// only one command needs to exist for them.
func ContentHash(deviceID, colorToken string, blink, dim bool) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%t|%t", deviceID, colorToken, blink, dim)))
	return hex.EncodeToString(h[:])
}
