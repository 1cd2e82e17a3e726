package zero

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phantomid/internal/security"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// failingReader yields `after` bytes of varied data then errors.
type failingReader struct{ after int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, errors.New("rng offline")
	}
	n := min(r.after, len(p))
	for i := range n {
		p[i] = byte(r.after - i)
	}
	r.after -= n
	return n, nil
}

// repeatingReader returns the same varied block forever.
type repeatingReader struct{}

func (repeatingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(i % 32)
	}
	return len(p), nil
}

func newTestContext(t testing.TB, opts ...Option) *SecretContext {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testEpoch })}, opts...)
	sc, err := NewSecretContext(opts...)
	require.NoError(t, err)
	t.Cleanup(sc.Destroy)
	return sc
}

// =============================================================================
// SecretContext Tests
// =============================================================================

func TestNewSecretContext(t *testing.T) {
	sc := newTestContext(t)
	assert.Equal(t, Algorithm, sc.Algorithm())
	assert.Equal(t, "SHA256-HMAC", sc.Algorithm())
	assert.Equal(t, DefaultKeyTTL, sc.KeyTTL())
	assert.Equal(t, InheritSalt, sc.DerivedSaltMode())
	assert.Equal(t, testEpoch, sc.Now())
	assert.False(t, sc.Destroyed())
}

func TestNewSecretContextEntropyFailure(t *testing.T) {
	_, err := NewSecretContext(WithEntropy(&failingReader{after: 40}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	_, err = NewSecretContext(WithEntropy(bytes.NewReader(nil)))
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestNewSecretContextRejectsDegenerateEntropy(t *testing.T) {
	_, err := NewSecretContext(WithEntropy(repeatingReader{}))
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	_, err = NewSecretContext(WithEntropy(bytes.NewReader(make([]byte, 128))))
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestNewSecretContextInvalidOptions(t *testing.T) {
	_, err := NewSecretContext(WithKeyTTL(0))
	assert.Error(t, err)
	_, err = NewSecretContext(WithKeyTTL(MaxKeyTTL + time.Hour))
	assert.Error(t, err)
	_, err = NewSecretContext(WithMaxPurposeLength(-1))
	assert.Error(t, err)
	_, err = NewSecretContext(WithDerivedSalt(DerivedSaltMode(9)))
	assert.Error(t, err)
}

func TestZeroValueContextIsUnusable(t *testing.T) {
	var sc SecretContext
	_, _, err := sc.Mint([]byte("device-42"))
	assert.ErrorIs(t, err, ErrContextUninitialized)

	_, err = sc.Derive(ZeroID{Version: 1, Hash: [32]byte{1}}, "authentication")
	assert.ErrorIs(t, err, ErrContextUninitialized)

	_, err = sc.NewChallenge()
	assert.ErrorIs(t, err, ErrContextUninitialized)

	_, err = sc.Authenticate(ZeroID{}, nil)
	assert.ErrorIs(t, err, ErrContextUninitialized)

	var nilCtx *SecretContext
	_, _, err = nilCtx.Mint([]byte("x"))
	assert.ErrorIs(t, err, ErrContextUninitialized)
	assert.Equal(t, "", nilCtx.Algorithm())
}

func TestDestroyedContextIsUnusable(t *testing.T) {
	sc, err := NewSecretContext()
	require.NoError(t, err)
	id, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	sc.Destroy()
	assert.True(t, sc.Destroyed())

	_, _, err = sc.Mint([]byte("device-42"))
	assert.ErrorIs(t, err, ErrContextDestroyed)
	_, err = sc.Derive(id, "authentication")
	assert.ErrorIs(t, err, ErrContextDestroyed)
	_, err = sc.KeyMatches(id, key)
	assert.ErrorIs(t, err, ErrContextDestroyed)

	// idempotent
	sc.Destroy()
}

func TestParseDerivedSaltMode(t *testing.T) {
	for in, want := range map[string]DerivedSaltMode{"": InheritSalt, "inherit": InheritSalt, "fresh": FreshSalt} {
		got, err := ParseDerivedSaltMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDerivedSaltMode("random")
	assert.Error(t, err)
	assert.Equal(t, "fresh", FreshSalt.String())
}

// =============================================================================
// Mint Tests
// =============================================================================

func TestMintIsNotDeterministic(t *testing.T) {
	sc := newTestContext(t)

	a, ka, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)
	b, kb, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.False(t, ka.Equal(kb))
}

func TestMintFields(t *testing.T) {
	sc := newTestContext(t)
	raw := []byte("device-42")

	id, key, err := sc.Mint(raw)
	require.NoError(t, err)

	want := sha256.Sum256(append(append([]byte{}, raw...), id.Salt[:]...))
	assert.Equal(t, want, id.Hash)
	assert.Equal(t, Version, id.Version)
	assert.Equal(t, testEpoch, id.Created)
	assert.False(t, id.IsZero())

	assert.Equal(t, testEpoch, key.Timestamp)
	assert.Equal(t, testEpoch.Add(30*24*time.Hour), key.Expiration)
	assert.Len(t, key.MAC(), HashSize)
	assert.NotEqual(t, id.Hash[:], key.MAC())

	ok, err := sc.KeyMatches(id, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMintCustomTTL(t *testing.T) {
	sc := newTestContext(t, WithKeyTTL(time.Hour))
	_, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(time.Hour), key.Expiration)
}

func TestMintRejectsEmptyIdentifier(t *testing.T) {
	sc := newTestContext(t)
	_, _, err := sc.Mint(nil)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, _, err = sc.Mint([]byte{})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestMintIdentifierLength(t *testing.T) {
	sc := newTestContext(t)

	_, _, err := sc.Mint(make([]byte, MaxIdentifierLength+1))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.ErrorIs(t, err, security.ErrInputTooLong)

	// Binary identifiers such as MAC addresses are accepted as is
	_, _, err = sc.Mint([]byte{0x00, 0x1a, 0x2b, 0x00, 0x0d, 0xff})
	assert.NoError(t, err)
	_, _, err = sc.Mint(make([]byte, MaxIdentifierLength))
	assert.NoError(t, err)
}

func TestMintEntropyFailure(t *testing.T) {
	// enough for the two context secrets, nothing for the salt
	sc := newTestContext(t, WithEntropy(&failingReader{after: 2 * SecretSize}))

	_, _, err := sc.Mint([]byte("device-42"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	// the context itself is untouched
	assert.False(t, sc.Destroyed())
}

func TestKeyMatchesOtherIdentity(t *testing.T) {
	sc := newTestContext(t)
	a, ka, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)
	b, _, err := sc.Mint([]byte("device-7"))
	require.NoError(t, err)

	ok, err := sc.KeyMatches(b, ka)
	require.NoError(t, err)
	assert.False(t, ok)

	other := newTestContext(t)
	ok, err = other.KeyMatches(a, ka)
	require.NoError(t, err)
	assert.False(t, ok, "a different authority cannot vouch for the key")

	ok, err = sc.KeyMatches(a, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// ZeroKey Tests
// =============================================================================

func TestZeroKeyNeverPrintsSecret(t *testing.T) {
	sc := newTestContext(t)
	_, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	mac := fmt.Sprintf("%x", key.MAC())
	for _, s := range []string{key.String(), fmt.Sprintf("%v", key), fmt.Sprintf("%#v", key), fmt.Sprintf("%+v", key)} {
		assert.NotContains(t, s, mac)
		assert.Contains(t, s, "REDACTED")
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("key", "k", key)
	assert.NotContains(t, buf.String(), mac)
}

func TestZeroKeyDestroy(t *testing.T) {
	mac := bytes.Repeat([]byte{1, 2, 3, 4}, 8)
	key, err := NewZeroKey(mac, testEpoch, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), mac, "input must be wiped")

	assert.False(t, key.Destroyed())
	key.Destroy()
	assert.True(t, key.Destroyed())
	assert.Nil(t, key.MAC())
}

func TestNewZeroKeyRejectsWrongSize(t *testing.T) {
	_, err := NewZeroKey([]byte{1, 2, 3}, testEpoch, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestZeroKeyExpired(t *testing.T) {
	key, err := NewZeroKey(bytes.Repeat([]byte{9, 8}, 16), testEpoch, testEpoch.Add(time.Hour))
	require.NoError(t, err)

	assert.False(t, key.Expired(testEpoch))
	assert.False(t, key.Expired(testEpoch.Add(time.Hour)), "expiration instant itself is still valid")
	assert.True(t, key.Expired(testEpoch.Add(time.Hour+time.Nanosecond)))
}

// =============================================================================
// Derive Tests
// =============================================================================

func TestDeriveIsDeterministic(t *testing.T) {
	sc := newTestContext(t)
	base, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	a, err := sc.Derive(base, "authentication")
	require.NoError(t, err)
	b, err := sc.Derive(base, "authentication")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, base.Salt, a.Salt, "inherit mode copies the parent salt")
	assert.Equal(t, base.Version, a.Version)
	assert.Equal(t, base.Created, a.Created)
	assert.NotEqual(t, base.Hash, a.Hash)
}

func TestDerivePurposeSeparation(t *testing.T) {
	sc := newTestContext(t)
	base, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	purposes := []string{"A", "B", "authentication", "network-join-mesh", "network-join-mesh2", "Authentication"}
	seen := make(map[[HashSize]byte]string)
	for _, p := range purposes {
		d, err := sc.Derive(base, p)
		require.NoError(t, err)
		if prev, dup := seen[d.Hash]; dup {
			t.Fatalf("purposes %q and %q collided", prev, p)
		}
		seen[d.Hash] = p
	}
}

func TestDeriveDependsOnContext(t *testing.T) {
	a := newTestContext(t)
	b := newTestContext(t)
	base, _, err := a.Mint([]byte("device-42"))
	require.NoError(t, err)

	da, err := a.Derive(base, "authentication")
	require.NoError(t, err)
	db, err := b.Derive(base, "authentication")
	require.NoError(t, err)
	assert.NotEqual(t, da.Hash, db.Hash)
}

func TestDeriveInvalidPurpose(t *testing.T) {
	sc := newTestContext(t, WithMaxPurposeLength(32))
	base, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		purpose string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("p", 33)},
		{"nul byte", "auth\x00entication"},
		{"control char", "auth\nentication"},
		{"invalid utf8", string([]byte{0xc3, 0x28})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sc.Derive(base, tt.purpose)
			assert.ErrorIs(t, err, ErrInvalidPurpose)
		})
	}
}

func TestDeriveRejectsUnsetParent(t *testing.T) {
	sc := newTestContext(t)
	_, err := sc.Derive(ZeroID{}, "authentication")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestDeriveFreshSalt(t *testing.T) {
	sc := newTestContext(t, WithDerivedSalt(FreshSalt))
	base, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	a, err := sc.Derive(base, "authentication")
	require.NoError(t, err)
	again, err := sc.Derive(base, "authentication")
	require.NoError(t, err)
	b, err := sc.Derive(base, "network-join-mesh")
	require.NoError(t, err)

	assert.NotEqual(t, base.Salt, a.Salt)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.True(t, a.Equal(again))
	assert.Equal(t, base.Created, a.Created)
}

func TestDeriveChain(t *testing.T) {
	sc := newTestContext(t)
	base, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	step1, err := sc.Derive(base, "network-joining")
	require.NoError(t, err)
	step2, err := sc.Derive(step1, "network-mesh")
	require.NoError(t, err)

	chained, err := sc.DeriveChain(base, "network-joining", "network-mesh")
	require.NoError(t, err)
	assert.True(t, step2.Equal(chained))

	_, err = sc.DeriveChain(base)
	assert.ErrorIs(t, err, ErrInvalidPurpose)
}

// =============================================================================
// Challenge-Response Tests
// =============================================================================

func TestChallengeIsFresh(t *testing.T) {
	sc := newTestContext(t)
	c1, err := sc.NewChallenge()
	require.NoError(t, err)
	c2, err := sc.NewChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
	assert.Len(t, c1.String(), 64)
}

func TestChallengeEntropyFailure(t *testing.T) {
	_, err := NewChallenge(&failingReader{after: 10})
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestProofBindsChallenge(t *testing.T) {
	sc := newTestContext(t)
	id, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	c1, err := sc.NewChallenge()
	require.NoError(t, err)
	c2, err := sc.NewChallenge()
	require.NoError(t, err)

	p := CreateProof(id, c1)
	assert.Equal(t, sha256.Sum256(append(id.Hash[:], c1[:]...)), p.Value)
	assert.True(t, Verify(p, id))

	replayed := p
	replayed.Challenge = c2
	assert.False(t, Verify(replayed, id), "proof for c1 must not verify against c2")

	tampered := p
	tampered.Value[31] ^= 1
	assert.False(t, Verify(tampered, id))
}

func TestVerifyRejectsUnsetIdentity(t *testing.T) {
	var c Challenge
	p := CreateProof(ZeroID{}, c)
	assert.False(t, Verify(p, ZeroID{}))
}

func TestVerifyWithKeyExpiration(t *testing.T) {
	sc := newTestContext(t, WithKeyTTL(time.Hour))
	id, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)
	c, err := sc.NewChallenge()
	require.NoError(t, err)
	p := CreateProofAt(id, c, testEpoch)

	out := VerifyWithKey(p, id, key, testEpoch.Add(30*time.Minute))
	assert.True(t, out.Verified())
	assert.NoError(t, out.Err())

	out = VerifyWithKey(p, id, key, testEpoch.Add(2*time.Hour))
	assert.False(t, out.Verified())
	assert.Equal(t, ReasonKeyExpired, out.Reason())
	assert.ErrorIs(t, out.Err(), ErrRejected)
	assert.ErrorIs(t, out.Err(), ErrKeyExpired)

	out = VerifyWithKey(p, id, nil, testEpoch.Add(100*time.Hour))
	assert.True(t, out.Verified(), "nil key skips expiration")
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "verified", Verified().String())
	assert.Equal(t, "rejected: challenge_mismatch", Rejected(ReasonChallengeMismatch).String())
	assert.Equal(t, "rejected: subject_mismatch", Rejected(ReasonSubjectMismatch).String())
	assert.Equal(t, ReasonProofMismatch, Rejected(ReasonNone).Reason())
	assert.ErrorIs(t, Rejected(ReasonChallengeMismatch).Err(), ErrChallengeMismatch)
	assert.ErrorIs(t, Rejected(ReasonKeyMismatch).Err(), ErrKeyMismatch)
}

// =============================================================================
// Attempt State Machine Tests
// =============================================================================

func TestAttemptHappyPath(t *testing.T) {
	sc := newTestContext(t)
	id, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	a := NewAttempt()
	assert.Equal(t, StateInit, a.State())
	_, settled := a.Outcome()
	assert.False(t, settled)

	c, err := a.Issue(nil, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, StateChallengeIssued, a.State())
	got, at := a.Challenge()
	assert.Equal(t, c, got)
	assert.Equal(t, testEpoch, at)

	require.NoError(t, a.Submit(CreateProof(id, c)))
	assert.Equal(t, StateProofSubmitted, a.State())

	out, err := a.Verify(id, key, testEpoch)
	require.NoError(t, err)
	assert.True(t, out.Verified())
	assert.Equal(t, StateVerified, a.State())
	assert.True(t, a.State().Terminal())

	final, settled := a.Outcome()
	assert.True(t, settled)
	assert.Equal(t, out, final)
}

func TestAttemptRejectsForeignChallenge(t *testing.T) {
	sc := newTestContext(t)
	id, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	a := NewAttempt()
	_, err = a.Issue(nil, testEpoch)
	require.NoError(t, err)

	foreign, err := sc.NewChallenge()
	require.NoError(t, err)
	// internally consistent proof, but for a challenge this attempt never issued
	require.NoError(t, a.Submit(CreateProof(id, foreign)))

	out, err := a.Verify(id, nil, testEpoch)
	require.NoError(t, err)
	assert.False(t, out.Verified())
	assert.Equal(t, ReasonChallengeMismatch, out.Reason())
	assert.Equal(t, StateRejected, a.State())
}

func TestAttemptInvalidTransitions(t *testing.T) {
	id := ZeroID{Version: 1, Hash: [32]byte{1}}

	a := NewAttempt()
	assert.ErrorIs(t, a.Submit(Proof{}), ErrInvalidTransition)
	_, err := a.Verify(id, nil, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c, err := a.Issue(nil, testEpoch)
	require.NoError(t, err)
	_, err = a.Issue(nil, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a challenge is issued once")

	require.NoError(t, a.Submit(CreateProof(id, c)))
	assert.ErrorIs(t, a.Submit(CreateProof(id, c)), ErrInvalidTransition)

	_, err = a.Verify(id, nil, testEpoch)
	require.NoError(t, err)
	_, err = a.Verify(id, nil, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal states are final")
	assert.ErrorIs(t, a.Reject(ReasonAttemptExpired), ErrInvalidTransition)
}

func TestAttemptIssueEntropyFailureStaysInit(t *testing.T) {
	a := NewAttempt()
	_, err := a.Issue(&failingReader{}, testEpoch)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
	assert.Equal(t, StateInit, a.State())
}

func TestAttemptReject(t *testing.T) {
	a := NewAttempt()
	_, err := a.Issue(nil, testEpoch)
	require.NoError(t, err)
	require.NoError(t, a.Reject(ReasonAttemptExpired))

	out, settled := a.Outcome()
	assert.True(t, settled)
	assert.Equal(t, ReasonAttemptExpired, out.Reason())
	assert.Equal(t, StateRejected, a.State())
}

func TestAuthenticate(t *testing.T) {
	sc := newTestContext(t)
	id, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	out, err := sc.Authenticate(id, key)
	require.NoError(t, err)
	assert.True(t, out.Verified())

	out, err = sc.Authenticate(ZeroID{}, nil)
	require.NoError(t, err)
	assert.False(t, out.Verified())
}

func TestAuthenticateExpiredKey(t *testing.T) {
	now := testEpoch
	sc := newTestContext(t, WithKeyTTL(time.Minute), WithClock(func() time.Time { return now }))
	id, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	now = now.Add(time.Hour)
	out, err := sc.Authenticate(id, key)
	require.NoError(t, err)
	assert.Equal(t, ReasonKeyExpired, out.Reason())
}

// =============================================================================
// Scenario and Concurrency Tests
// =============================================================================

func TestDevice42Scenario(t *testing.T) {
	sc := newTestContext(t)

	base, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	authID, err := sc.Derive(base, "authentication")
	require.NoError(t, err)

	c, err := sc.NewChallenge()
	require.NoError(t, err)
	p := CreateProof(authID, c)

	assert.True(t, Verify(p, authID))
	assert.True(t, VerifyWithKey(p, authID, key, testEpoch).Verified())

	otherID, err := sc.Derive(base, "network-join-mesh")
	require.NoError(t, err)
	assert.False(t, Verify(p, otherID), "different derived identity")
	assert.False(t, Verify(p, base), "base identity is not the derived one")

	c2, err := sc.NewChallenge()
	require.NoError(t, err)
	moved := p
	moved.Challenge = c2
	assert.False(t, Verify(moved, authID), "different challenge")
}

func TestConcurrentUse(t *testing.T) {
	sc := newTestContext(t)
	base, _, err := sc.Mint([]byte("device-0"))
	require.NoError(t, err)
	want, err := sc.Derive(base, "authentication")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, key, err := sc.Mint([]byte(fmt.Sprintf("device-%d", i)))
			if err != nil {
				errs <- err
				return
			}
			defer key.Destroy()
			if out, err := sc.Authenticate(id, key); err != nil || !out.Verified() {
				errs <- fmt.Errorf("device-%d: %v %v", i, out, err)
			}
			d, err := sc.Derive(base, "authentication")
			if err != nil {
				errs <- err
				return
			}
			if !d.Equal(want) {
				errs <- errors.New("derivation changed under concurrency")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestVerifyConstantTime checks that verification time does not depend on
// where the first mismatching byte sits.
func TestVerifyConstantTime(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical timing test")
	}

	sc := newTestContext(t)
	id, _, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)
	c, err := sc.NewChallenge()
	require.NoError(t, err)
	good := CreateProof(id, c)

	early := good
	early.Value[0] ^= 0xff
	late := good
	late.Value[HashSize-1] ^= 0xff

	const rounds = 40
	const perRound = 2000
	measure := func(p Proof) time.Duration {
		start := time.Now()
		for range perRound {
			Verify(p, id)
		}
		return time.Since(start)
	}

	var earlyTotal, lateTotal time.Duration
	for range rounds {
		// interleave to spread scheduler noise evenly
		earlyTotal += measure(early)
		lateTotal += measure(late)
	}

	ratio := float64(earlyTotal) / float64(lateTotal)
	t.Logf("early=%s late=%s ratio=%.3f", earlyTotal, lateTotal, ratio)
	assert.InDelta(t, 1.0, ratio, 0.5, "verification time correlates with mismatch position")
}

func TestRawIdentifierNotRetained(t *testing.T) {
	sc := newTestContext(t)
	raw := []byte("device-42-serial-XYZ")
	id, key, err := sc.Mint(raw)
	require.NoError(t, err)

	rendered := fmt.Sprintf("%+v %v", id, key)
	assert.NotContains(t, rendered, string(raw))
	assert.False(t, bytes.Contains(id.Hash[:], raw))
	assert.False(t, bytes.Contains(id.Salt[:], raw))
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkMint(b *testing.B) {
	sc := newTestContext(b)
	raw := []byte("device-42")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, key, err := sc.Mint(raw)
		if err != nil {
			b.Fatal(err)
		}
		key.Destroy()
	}
}

func BenchmarkDerive(b *testing.B) {
	sc := newTestContext(b)
	base, _, _ := sc.Mint([]byte("device-42"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := sc.Derive(base, "authentication"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVerify(b *testing.B) {
	sc := newTestContext(b)
	id, _, _ := sc.Mint([]byte("device-42"))
	c, _ := sc.NewChallenge()
	p := CreateProof(id, c)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Verify(p, id)
	}
}
