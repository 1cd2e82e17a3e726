package authority

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"phantomid/internal/logging"
	"phantomid/internal/metrics"
	"phantomid/internal/security"
	"phantomid/internal/zero"
)

// VerifierConfig holds the limits of a Verifier. These are the settings
// a config reload may change.
type VerifierConfig struct {
	// ChallengeTTL is how long an issued challenge accepts a proof.
	ChallengeTTL time.Duration

	// MaxPending caps outstanding attempts.
	MaxPending int

	// IssueRate and IssueBurst bound challenges per subject. A non-positive
	// rate disables limiting.
	IssueRate  float64
	IssueBurst int
}

// DefaultVerifierConfig returns the limits used when none are configured.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		ChallengeTTL: 2 * time.Minute,
		MaxPending:   10000,
		IssueRate:    5,
		IssueBurst:   10,
	}
}

// PendingChallenge is what a verifier hands to a prover: an attempt id to
// quote back and the challenge to answer.
type PendingChallenge struct {
	AttemptID uuid.UUID
	Challenge zero.Challenge
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type pendingAttempt struct {
	attempt *zero.Attempt
	subject [zero.HashSize]byte
	expires time.Time
}

// Verifier runs distributed challenge-response authentication. Each issued
// challenge is tracked under a random attempt id, bound to the identity it was
// issued for, until a proof settles it, it expires, or it is abandoned. An
// attempt settles at most once, so a replayed proof finds no attempt.
type Verifier struct {
	ctx     *zero.SecretContext
	entropy io.Reader
	now     func() time.Time
	metrics *metrics.Metrics
	log     *logging.Logger

	mu      sync.Mutex
	cfg     VerifierConfig
	limiter *security.KeyedLimiter
	pending map[uuid.UUID]*pendingAttempt
}

// NewVerifier returns a verifier checking keys against sc. entropy may be nil
// for crypto/rand; m and log may be nil.
func NewVerifier(sc *zero.SecretContext, entropy io.Reader, cfg VerifierConfig, m *metrics.Metrics, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.Discard()
	}
	cfg = normalize(cfg)
	return &Verifier{
		ctx:     sc,
		entropy: entropy,
		now:     sc.Now,
		metrics: m,
		log:     log.WithComponent("verifier"),
		cfg:     cfg,
		limiter: security.NewKeyedLimiter(cfg.IssueRate, cfg.IssueBurst, 0),
		pending: make(map[uuid.UUID]*pendingAttempt),
	}
}

func normalize(cfg VerifierConfig) VerifierConfig {
	def := DefaultVerifierConfig()
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = def.ChallengeTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	return cfg
}

// Config returns the current limits.
func (v *Verifier) Config() VerifierConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg
}

// SetConfig replaces the limits. Pending attempts keep the deadline they
// were issued with.
func (v *Verifier) SetConfig(cfg VerifierConfig) {
	cfg = normalize(cfg)

	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case cfg.IssueRate <= 0 || cfg.IssueBurst <= 0:
		v.limiter = nil
	case v.limiter == nil:
		v.limiter = security.NewKeyedLimiter(cfg.IssueRate, cfg.IssueBurst, 0)
	default:
		v.limiter.SetLimit(cfg.IssueRate, cfg.IssueBurst)
	}
	v.cfg = cfg
}

// Issue draws a challenge for subject. Only a proof for subject can settle
// it, and issuing is rate limited per subject.
func (v *Verifier) Issue(subject zero.ZeroID) (PendingChallenge, error) {
	if subject.IsZero() {
		return PendingChallenge{}, fmt.Errorf("%w: subject is unset", zero.ErrInvalidIdentifier)
	}
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.limiter.Allow(subject.HashHex(), now) {
		v.metrics.RecordRateLimited()
		return PendingChallenge{}, fmt.Errorf("%w: %w", ErrRateLimited, security.ErrRateLimited)
	}

	v.sweepLocked(now)
	if len(v.pending) >= v.cfg.MaxPending {
		return PendingChallenge{}, fmt.Errorf("%w: %d outstanding", ErrTooManyPending, len(v.pending))
	}

	a := zero.NewAttempt()
	c, err := a.Issue(v.entropy, now)
	if err != nil {
		v.metrics.RecordError("issue")
		return PendingChallenge{}, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		v.metrics.RecordError("issue")
		return PendingChallenge{}, fmt.Errorf("%w: attempt id: %w", zero.ErrEntropyUnavailable, err)
	}

	p := &pendingAttempt{attempt: a, subject: subject.Hash, expires: now.Add(v.cfg.ChallengeTTL)}
	v.pending[id] = p
	v.metrics.ChallengeIssued()

	v.log.Debug("challenge issued", "attempt", id.String(), "expires", p.expires)
	return PendingChallenge{AttemptID: id, Challenge: c, IssuedAt: now, ExpiresAt: p.expires}, nil
}

// Verify settles attempt with proof, checking it against id and, when key is
// non-nil, the key's expiry and that this authority minted it for id. An id
// other than the one the challenge was issued for is rejected with
// ReasonSubjectMismatch.
//
// A wrong proof is a Rejected outcome with a nil error. The error is
// ErrUnknownAttempt for an id not pending, and ErrAttemptExpired (with a
// Rejected outcome) when the deadline has passed.
func (v *Verifier) Verify(attempt uuid.UUID, proof zero.Proof, id zero.ZeroID, key *zero.ZeroKey) (zero.Outcome, error) {
	start := time.Now()
	now := v.now()

	v.mu.Lock()
	p, ok := v.pending[attempt]
	if ok {
		delete(v.pending, attempt)
	}
	v.mu.Unlock()

	if !ok {
		return zero.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownAttempt, attempt)
	}
	v.metrics.ChallengeSettled()

	if now.After(p.expires) {
		_ = p.attempt.Reject(zero.ReasonAttemptExpired)
		out := zero.Rejected(zero.ReasonAttemptExpired)
		v.record(attempt, out, start)
		return out, fmt.Errorf("%w: %s", ErrAttemptExpired, attempt)
	}

	if subtle.ConstantTimeCompare(p.subject[:], id.Hash[:]) != 1 {
		_ = p.attempt.Reject(zero.ReasonSubjectMismatch)
		out := zero.Rejected(zero.ReasonSubjectMismatch)
		v.record(attempt, out, start)
		return out, nil
	}

	if err := p.attempt.Submit(proof); err != nil {
		return zero.Outcome{}, err
	}

	if key != nil && !key.Expired(now) {
		match, err := v.ctx.KeyMatches(id, key)
		if err != nil {
			_ = p.attempt.Reject(zero.ReasonKeyMismatch)
			v.metrics.RecordError("verify")
			return zero.Outcome{}, err
		}
		if !match {
			_ = p.attempt.Reject(zero.ReasonKeyMismatch)
			out := zero.Rejected(zero.ReasonKeyMismatch)
			v.record(attempt, out, start)
			return out, nil
		}
	}

	out, err := p.attempt.Verify(id, key, now)
	if err != nil {
		return zero.Outcome{}, err
	}
	v.record(attempt, out, start)
	return out, nil
}

func (v *Verifier) record(attempt uuid.UUID, out zero.Outcome, start time.Time) {
	label := metrics.OutcomeVerified
	if !out.Verified() {
		label = out.Reason().String()
	}
	v.metrics.RecordVerification(time.Since(start), label)
	v.log.Info("attempt settled", "attempt", attempt.String(), "outcome", label)
}

// Abandon rejects a pending attempt without a proof.
func (v *Verifier) Abandon(attempt uuid.UUID) error {
	v.mu.Lock()
	p, ok := v.pending[attempt]
	if ok {
		delete(v.pending, attempt)
	}
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAttempt, attempt)
	}
	v.metrics.ChallengeSettled()
	return p.attempt.Reject(zero.ReasonAttemptExpired)
}

// Pending returns the number of outstanding attempts.
func (v *Verifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Sweep rejects and drops every attempt past its deadline and returns how
// many it removed.
func (v *Verifier) Sweep() int {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sweepLocked(now)
}

func (v *Verifier) sweepLocked(now time.Time) int {
	n := 0
	for id, p := range v.pending {
		if now.After(p.expires) {
			_ = p.attempt.Reject(zero.ReasonAttemptExpired)
			delete(v.pending, id)
			v.metrics.ChallengeSettled()
			v.metrics.RecordVerification(0, zero.ReasonAttemptExpired.String())
			n++
		}
	}
	return n
}

// Run sweeps expired attempts every half challenge TTL until ctx is done.
func (v *Verifier) Run(ctx context.Context) {
	interval := v.Config().ChallengeTTL / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := v.Sweep(); n > 0 {
				v.log.Debug("expired attempts swept", "count", n)
			}
		}
	}
}

// Reset abandons every pending attempt.
func (v *Verifier) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, p := range v.pending {
		_ = p.attempt.Reject(zero.ReasonAttemptExpired)
		delete(v.pending, id)
		v.metrics.ChallengeSettled()
	}
}
