package zero

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// Challenge is single-use randomness issued by a verifier.
type Challenge [ChallengeSize]byte

// String returns the challenge as hex.
func (c Challenge) String() string {
	return hex.EncodeToString(c[:])
}

// Proof binds an identity to one challenge.
type Proof struct {
	// Value is SHA-256(identity.Hash ‖ Challenge)
	Value [HashSize]byte

	// Challenge is the challenge this proof answers
	Challenge Challenge

	// Timestamp is when the prover built the proof
	Timestamp time.Time
}

// NewChallenge reads a fresh challenge from r. A nil r means crypto/rand.
func NewChallenge(r io.Reader) (Challenge, error) {
	var c Challenge
	if err := fillRandom(r, c[:]); err != nil {
		return Challenge{}, fmt.Errorf("issue challenge: %w", err)
	}
	return c, nil
}

// NewChallenge issues a challenge from the context's entropy source.
func (sc *SecretContext) NewChallenge() (Challenge, error) {
	if sc == nil || sc.algorithm != Algorithm {
		return Challenge{}, ErrContextUninitialized
	}
	return NewChallenge(sc.entropy)
}

// CreateProof answers challenge c on behalf of id.
func CreateProof(id ZeroID, c Challenge) Proof {
	return CreateProofAt(id, c, time.Now())
}

// CreateProofAt is CreateProof with an explicit timestamp.
func CreateProofAt(id ZeroID, c Challenge, at time.Time) Proof {
	return Proof{
		Value:     hashSum(id.Hash[:], c[:]),
		Challenge: c,
		Timestamp: at,
	}
}

// Verify recomputes the expected proof for id and compares it in constant time.
// A mismatch is an ordinary false, never an error.
func Verify(p Proof, id ZeroID) bool {
	if id.IsZero() {
		return false
	}
	expected := hashSum(id.Hash[:], p.Challenge[:])
	return subtle.ConstantTimeCompare(expected[:], p.Value[:]) == 1
}

// VerifyWithKey is Verify plus the expiration check of the identity's paired key.
// An expired key rejects an otherwise correct proof. A nil key skips the check.
func VerifyWithKey(p Proof, id ZeroID, key *ZeroKey, now time.Time) Outcome {
	ok := Verify(p, id)
	if key != nil && key.Expired(now) {
		return Rejected(ReasonKeyExpired)
	}
	if !ok {
		return Rejected(ReasonProofMismatch)
	}
	return Verified()
}

// RejectReason explains a rejected attempt.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonProofMismatch
	ReasonChallengeMismatch
	ReasonKeyExpired
	ReasonKeyMismatch
	ReasonAttemptExpired
	ReasonSubjectMismatch
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonProofMismatch:
		return "proof_mismatch"
	case ReasonChallengeMismatch:
		return "challenge_mismatch"
	case ReasonKeyExpired:
		return "key_expired"
	case ReasonKeyMismatch:
		return "key_mismatch"
	case ReasonAttemptExpired:
		return "attempt_expired"
	case ReasonSubjectMismatch:
		return "subject_mismatch"
	default:
		return fmt.Sprintf("RejectReason(%d)", int(r))
	}
}

// Outcome is the terminal result of an authentication attempt.
type Outcome struct {
	verified bool
	reason   RejectReason
}

// Verified returns the accepting outcome.
func Verified() Outcome {
	return Outcome{verified: true}
}

// Rejected returns a rejecting outcome with the given reason.
func Rejected(reason RejectReason) Outcome {
	if reason == ReasonNone {
		reason = ReasonProofMismatch
	}
	return Outcome{reason: reason}
}

// Verified reports whether the attempt succeeded.
func (o Outcome) Verified() bool {
	return o.verified
}

// Reason returns why the attempt was rejected, or ReasonNone.
func (o Outcome) Reason() RejectReason {
	return o.reason
}

func (o Outcome) String() string {
	if o.verified {
		return "verified"
	}
	return "rejected: " + o.reason.String()
}

// Err returns nil for a verified outcome, or an error wrapping ErrRejected
// and, where one exists, the sentinel for the reason.
func (o Outcome) Err() error {
	if o.verified {
		return nil
	}
	switch o.reason {
	case ReasonChallengeMismatch:
		return fmt.Errorf("%w: %w", ErrRejected, ErrChallengeMismatch)
	case ReasonKeyExpired:
		return fmt.Errorf("%w: %w", ErrRejected, ErrKeyExpired)
	case ReasonKeyMismatch:
		return fmt.Errorf("%w: %w", ErrRejected, ErrKeyMismatch)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, o.reason)
	}
}

// State is a step of an authentication attempt.
type State int

const (
	StateInit State = iota
	StateChallengeIssued
	StateProofSubmitted
	StateVerified
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateChallengeIssued:
		return "challenge_issued"
	case StateProofSubmitted:
		return "proof_submitted"
	case StateVerified:
		return "verified"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateRejected
}

// Attempt walks one authentication through
// Init -> ChallengeIssued -> ProofSubmitted -> Verified | Rejected.
// It is safe for concurrent use; out-of-order calls fail with ErrInvalidTransition.
type Attempt struct {
	mu        sync.Mutex
	state     State
	challenge Challenge
	issuedAt  time.Time
	proof     Proof
	outcome   Outcome
}

// NewAttempt returns an attempt in StateInit.
func NewAttempt() *Attempt {
	return &Attempt{}
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Challenge returns the issued challenge and when it was issued.
func (a *Attempt) Challenge() (Challenge, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge, a.issuedAt
}

// Issue draws the challenge. On entropy failure the attempt stays in StateInit.
func (a *Attempt) Issue(r io.Reader, now time.Time) (Challenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateInit {
		return Challenge{}, fmt.Errorf("%w: issue from %s", ErrInvalidTransition, a.state)
	}
	c, err := NewChallenge(r)
	if err != nil {
		return Challenge{}, err
	}
	a.challenge = c
	a.issuedAt = now
	a.state = StateChallengeIssued
	return c, nil
}

// Submit records the prover's answer.
func (a *Attempt) Submit(p Proof) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateChallengeIssued {
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, a.state)
	}
	a.proof = p
	a.state = StateProofSubmitted
	return nil
}

// Verify settles the attempt against id and, when non-nil, its paired key.
// A proof for any challenge other than the one this attempt issued is rejected.
func (a *Attempt) Verify(id ZeroID, key *ZeroKey, now time.Time) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateProofSubmitted {
		return Outcome{}, fmt.Errorf("%w: verify from %s", ErrInvalidTransition, a.state)
	}

	var out Outcome
	if subtle.ConstantTimeCompare(a.proof.Challenge[:], a.challenge[:]) != 1 {
		out = Rejected(ReasonChallengeMismatch)
	} else {
		out = VerifyWithKey(a.proof, id, key, now)
	}

	a.settle(out)
	return out, nil
}

// Reject moves a non-terminal attempt straight to StateRejected, for example
// when its verifier abandons it.
func (a *Attempt) Reject(reason RejectReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Terminal() {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, a.state)
	}
	a.settle(Rejected(reason))
	return nil
}

// Outcome returns the terminal outcome. ok is false until the attempt settles.
func (a *Attempt) Outcome() (out Outcome, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome, a.state.Terminal()
}

func (a *Attempt) settle(out Outcome) {
	a.outcome = out
	if out.Verified() {
		a.state = StateVerified
	} else {
		a.state = StateRejected
	}
}

// Authenticate runs issue, prove and verify in one process, for co-located
// prover and verifier.
func (sc *SecretContext) Authenticate(id ZeroID, key *ZeroKey) (Outcome, error) {
	if err := sc.acquire(); err != nil {
		return Outcome{}, err
	}
	sc.mu.RUnlock()

	a := NewAttempt()
	now := sc.now()
	c, err := a.Issue(sc.entropy, now)
	if err != nil {
		return Outcome{}, err
	}
	if err := a.Submit(CreateProofAt(id, c, now)); err != nil {
		return Outcome{}, err
	}
	return a.Verify(id, key, now)
}
