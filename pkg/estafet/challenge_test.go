package estafet

import (
	"errors"
	"testing"
	"time"

	"estafet/models"
)

func challengeFixture(t *testing.T) (*testRig, *models.User, *models.User, SeededChain) {
	t.Helper()
	rig := newTestRig(t)
	holder := rig.makeUser(t, "holder")
	scanner := rig.makeUser(t, "scanner")
	sess := rig.makeSession(t, nil)
	rig.enroll(t, sess, holder)
	seeded := rig.seedOne(t, sess, models.PhaseEntry)
	if seeded.HolderID != holder.ID {
		t.Fatalf("expected holder %d got %d", holder.ID, seeded.HolderID)
	}
	return rig, holder, scanner, seeded
}

func TestChallengeRoundTrip(t *testing.T) {
	rig, _, scanner, seeded := challengeFixture(t)
	code, ttl, err := rig.issuer.Request(seeded.TokenUid, scanner.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if code != "123456" || ttl != 45*time.Second {
		t.Fatalf("unexpected code/ttl: %q %v", code, ttl)
	}
	if err := rig.issuer.Validate(seeded.TokenUid, scanner.ID, code); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	rig, _, scanner, seeded := challengeFixture(t)
	code, _, err := rig.issuer.Request(seeded.TokenUid, scanner.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// wrong code burns the challenge
	if err := rig.issuer.Validate(seeded.TokenUid, scanner.ID, "000000"); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected mismatch got %v", err)
	}
	// correct code from the same issuance now fails too
	if err := rig.issuer.Validate(seeded.TokenUid, scanner.ID, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected expired after burn got %v", err)
	}
}

func TestChallengeBoundToRequester(t *testing.T) {
	rig, _, scanner, seeded := challengeFixture(t)
	other := rig.makeUser(t, "other")
	code, _, err := rig.issuer.Request(seeded.TokenUid, scanner.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := rig.issuer.Validate(seeded.TokenUid, other.ID, code); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected mismatch for wrong requester got %v", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	rig, _, scanner, seeded := challengeFixture(t)
	code, _, err := rig.issuer.Request(seeded.TokenUid, scanner.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	rig.clock.advance(46 * time.Second)
	if err := rig.issuer.Validate(seeded.TokenUid, scanner.ID, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected expired got %v", err)
	}
}

func TestChallengeRequestOnDeadToken(t *testing.T) {
	rig, _, scanner, seeded := challengeFixture(t)
	if _, _, err := rig.issuer.Request("no-such-token", scanner.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	rig.clock.advance(2 * time.Minute) // past token TTL
	if _, _, err := rig.issuer.Request(seeded.TokenUid, scanner.ID); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected token expired got %v", err)
	}
}

func TestChallengeValidateWithoutPending(t *testing.T) {
	rig, _, scanner, seeded := challengeFixture(t)
	if err := rig.issuer.Validate(seeded.TokenUid, scanner.ID, "123456"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected expired for token without pending challenge got %v", err)
	}
}
