package estafet

import "errors"

// Failure taxonomy for the hand-off protocol. NotFound after a lost race is
// an expected outcome, not a bug: the loser of two concurrent scans sees
// ErrTokenNotFound or ErrHolderMismatch because the winner already retired
// the token.
var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
	ErrSelfScan       = errors.New("cannot scan your own token")
	ErrHolderMismatch = errors.New("token holder mismatch")

	ErrChallengeRequired = errors.New("challenge code required")
	ErrChallengeMismatch = errors.New("challenge code mismatch")
	ErrChallengeExpired  = errors.New("challenge expired or already used")

	ErrGeofenceViolation = errors.New("outside session geofence")
	ErrLocationRequired  = errors.New("location required")

	ErrChainNotFound            = errors.New("chain not found")
	ErrChainCompleted           = errors.New("chain already completed")
	ErrInvalidSeedCount         = errors.New("seed count must be at least 1")
	ErrInsufficientParticipants = errors.New("no eligible participants to seed")

	ErrSessionNotFound = errors.New("session not found")
	ErrNotEnrolled     = errors.New("not enrolled in session")
)
