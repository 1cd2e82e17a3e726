// Package authority is the issuing authority: it owns the process's single
// SecretContext and turns the identity core into enrollment, persistence and
// challenge-response services.
//
// Logs carry only per-process fingerprints of public identity hashes and
// device names, never a raw identifier, key or salt.
package authority

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"phantomid/internal/codec"
	"phantomid/internal/config"
	"phantomid/internal/logging"
	"phantomid/internal/metrics"
	"phantomid/internal/security"
	"phantomid/internal/store"
	"phantomid/internal/tpm"
	"phantomid/internal/zero"
)

// maxDeviceName bounds device names, which become record names.
const maxDeviceName = 128

// Authority mints, derives, persists and authenticates identities.
// Safe for concurrent use.
type Authority struct {
	ctx      *zero.SecretContext
	entropy  io.Reader
	closer   io.Closer
	codec    *codec.Codec
	storage  config.StorageConfig
	idDB     *store.Store
	keyDB    *store.Store
	verifier *Verifier
	metrics  *metrics.Metrics
	log      *logging.Logger
	devices  deviceLocks

	mu     sync.RWMutex
	closed bool
}

// deviceLocks serializes writers of one device's records.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the caller holds name's lock and returns its release.
func (d *deviceLocks) lock(name string) (unlock func()) {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]*deviceLock)
	}
	l := d.locks[name]
	if l == nil {
		l = &deviceLock{}
		d.locks[name] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(d.locks, name)
		}
		d.mu.Unlock()
	}
}

// Option configures New.
type Option func(*options)

type options struct {
	log     *logging.Logger
	metrics *metrics.Metrics
	entropy io.Reader
	now     func() time.Time
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the metrics sink, overriding the metrics section of the config.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEntropy overrides the configured entropy source.
func WithEntropy(r io.Reader) Option {
	return func(o *options) { o.entropy = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates cfg, hardens the process, opens the entropy source and
// storage, and generates the authority's secrets. A nil cfg means defaults.
func New(cfg *config.Config, opts ...Option) (*Authority, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	if o.metrics == nil && cfg.Metrics.Enabled {
		o.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	a := &Authority{
		storage: cfg.Storage,
		metrics: o.metrics,
		log:     o.log.WithComponent("authority"),
	}
	a.harden()

	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	source := cfg.Entropy.Source
	switch {
	case o.entropy != nil:
		a.entropy = o.entropy
		source = "custom"
	case cfg.Entropy.Source == "tpm":
		r, err := tpm.Open(cfg.Entropy.TPMPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", zero.ErrEntropyUnavailable, err)
		}
		a.entropy = r
		a.closer = r
	}

	mode, err := zero.ParseDerivedSaltMode(cfg.Identity.DerivedSalt)
	if err != nil {
		return nil, err
	}
	zopts := []zero.Option{
		zero.WithEntropy(a.entropy),
		zero.WithKeyTTL(cfg.KeyTTL()),
		zero.WithDerivedSalt(mode),
		zero.WithMaxPurposeLength(cfg.Identity.MaxPurposeLength),
	}
	if o.now != nil {
		zopts = append(zopts, zero.WithClock(o.now))
	}
	a.ctx, err = zero.NewSecretContext(zopts...)
	if err != nil {
		return nil, err
	}

	format, err := codec.ParseFormat(cfg.Storage.Format)
	if err != nil {
		return nil, err
	}
	if a.codec, err = codec.New(format); err != nil {
		return nil, err
	}

	if cfg.Storage.Backend == "sqlite" {
		if a.idDB, err = store.Open(cfg.Storage.IDDB, store.KindIdentity); err != nil {
			return nil, err
		}
		if a.keyDB, err = store.Open(cfg.Storage.KeyDB, store.KindKey); err != nil {
			return nil, err
		}
	}

	a.verifier = NewVerifier(a.ctx, a.entropy, verifierConfig(cfg), a.metrics, o.log)

	a.log.Info("authority started",
		"algorithm", a.ctx.Algorithm(),
		"entropy_source", source,
		"derived_salt", mode.String(),
		"backend", cfg.Storage.Backend,
		"format", format.String(),
	)
	ok = true
	return a, nil
}

func verifierConfig(cfg *config.Config) VerifierConfig {
	return VerifierConfig{
		ChallengeTTL: cfg.ChallengeTTL(),
		MaxPending:   cfg.Auth.MaxPending,
		IssueRate:    cfg.Auth.IssueRatePerSec,
		IssueBurst:   cfg.Auth.IssueBurst,
	}
}

// harden keeps secrets out of core files and warns when a debugger can read them.
func (a *Authority) harden() {
	if err := security.DisableCoreDumps(); err != nil {
		a.log.Warn("could not disable core dumps", "error", err)
	}
	if security.DebuggerAttached() {
		a.log.Warn("debugger attached; process memory holding secrets is readable")
	}
}

// Verifier returns the distributed challenge-response verifier.
func (a *Authority) Verifier() *Verifier {
	return a.verifier
}

// Metrics returns the metrics sink, or nil when metrics are off.
func (a *Authority) Metrics() *metrics.Metrics {
	return a.metrics
}

// Codec returns the record codec.
func (a *Authority) Codec() *codec.Codec {
	return a.codec
}

func (a *Authority) acquire() error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Mint creates an identity and its verification key from raw.
func (a *Authority) Mint(raw []byte) (zero.ZeroID, *zero.ZeroKey, error) {
	if err := a.acquire(); err != nil {
		return zero.ZeroID{}, nil, err
	}
	defer a.mu.RUnlock()

	id, key, err := a.ctx.Mint(raw)
	if err != nil {
		a.fail("mint", err)
		return zero.ZeroID{}, nil, err
	}
	a.metrics.RecordMint()
	a.log.Debug("identity minted", logging.FingerprintAttr("identity", id.Hash[:]))
	return id, key, nil
}

// Derive returns the identity for purpose derived from parent.
func (a *Authority) Derive(parent zero.ZeroID, purpose string) (zero.ZeroID, error) {
	if err := a.acquire(); err != nil {
		return zero.ZeroID{}, err
	}
	defer a.mu.RUnlock()

	id, err := a.ctx.Derive(parent, purpose)
	if err != nil {
		a.fail("derive", err)
		return zero.ZeroID{}, err
	}
	a.metrics.RecordDerivation()
	a.log.Debug("identity derived",
		logging.FingerprintAttr("parent", parent.Hash[:]),
		logging.FingerprintAttr("identity", id.Hash[:]),
		"purpose", purpose,
	)
	return id, nil
}

// Authenticate runs a co-located challenge-response round for id. A non-nil
// key must be unexpired and minted by this authority for id.
func (a *Authority) Authenticate(id zero.ZeroID, key *zero.ZeroKey) (zero.Outcome, error) {
	if err := a.acquire(); err != nil {
		return zero.Outcome{}, err
	}
	defer a.mu.RUnlock()
	return a.authenticate(id, id, key)
}

// authenticate proves possession of id, gating on key belonging to owner.
// Caller holds the read lock.
func (a *Authority) authenticate(id, owner zero.ZeroID, key *zero.ZeroKey) (zero.Outcome, error) {
	start := time.Now()

	if key != nil && !key.Expired(a.ctx.Now()) {
		match, err := a.ctx.KeyMatches(owner, key)
		if err != nil {
			a.fail("authenticate", err)
			return zero.Outcome{}, err
		}
		if !match {
			out := zero.Rejected(zero.ReasonKeyMismatch)
			a.settled(id, out, start)
			return out, nil
		}
	}

	// The key has been matched to owner; only its expiry still applies.
	out, err := a.ctx.Authenticate(id, key)
	if err != nil {
		a.fail("authenticate", err)
		return zero.Outcome{}, err
	}
	a.metrics.ChallengeIssued()
	a.metrics.ChallengeSettled()
	a.settled(id, out, start)
	return out, nil
}

func (a *Authority) settled(id zero.ZeroID, out zero.Outcome, start time.Time) {
	label := metrics.OutcomeVerified
	if !out.Verified() {
		label = out.Reason().String()
	}
	a.metrics.RecordVerification(time.Since(start), label)
	a.log.Info("authentication settled", logging.FingerprintAttr("identity", id.Hash[:]), "outcome", label)
}

// IssueChallenge starts a distributed attempt for id, rate limited per identity.
func (a *Authority) IssueChallenge(id zero.ZeroID) (PendingChallenge, error) {
	if err := a.acquire(); err != nil {
		return PendingChallenge{}, err
	}
	defer a.mu.RUnlock()
	return a.verifier.Issue(id)
}

// VerifyChallenge settles a distributed attempt with a proof for id. The
// attempt must have been issued for id; see Verifier.Verify for the outcomes.
func (a *Authority) VerifyChallenge(attempt uuid.UUID, proof zero.Proof, id zero.ZeroID, key *zero.ZeroKey) (zero.Outcome, error) {
	if err := a.acquire(); err != nil {
		return zero.Outcome{}, err
	}
	defer a.mu.RUnlock()
	return a.verifier.Verify(attempt, proof, id, key)
}

// locations returns where name's identity and key records live.
func (a *Authority) locations(name string) (codec.Location, codec.Location, error) {
	if len(name) > maxDeviceName {
		return nil, nil, fmt.Errorf("%w: longer than %d bytes", ErrInvalidDeviceName, maxDeviceName)
	}
	if err := security.ValidateFilename(name); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidDeviceName, err)
	}

	if a.idDB != nil {
		return codec.NewDBLocation(a.idDB, name), codec.NewDBLocation(a.keyDB, name), nil
	}
	idLoc, err := codec.IDFile(a.storage.IDDir, name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidDeviceName, err)
	}
	keyLoc, err := codec.KeyFile(a.storage.KeyDir, name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidDeviceName, err)
	}
	return idLoc, keyLoc, nil
}

// RecordLocations describes where name's identity and key records are stored.
func (a *Authority) RecordLocations(name string) (idLoc, keyLoc string, err error) {
	if err := a.acquire(); err != nil {
		return "", "", err
	}
	defer a.mu.RUnlock()

	id, key, err := a.locations(name)
	if err != nil {
		return "", "", err
	}
	return id.String(), key.String(), nil
}

// Devices lists the names of enrolled devices in sorted order.
func (a *Authority) Devices() ([]string, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.mu.RUnlock()

	if a.idDB != nil {
		names, err := a.idDB.List()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", codec.ErrStorage, err)
		}
		return names, nil
	}

	entries, err := os.ReadDir(a.storage.IDDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", codec.ErrStorage, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), codec.IDSuffix); ok && name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Enroll mints an identity for a device, persists the identity and key to
// their separate locations, and pre-derives the authentication and
// network-joining identities. Of concurrent enrollments of one name, exactly
// one succeeds; a failed enrollment leaves no records behind.
func (a *Authority) Enroll(name string, raw []byte) (*DeviceIdentitySet, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.mu.RUnlock()

	idLoc, keyLoc, err := a.locations(name)
	if err != nil {
		return nil, err
	}
	defer a.devices.lock(name)()
	if existing, err := idLoc.Peek(); err == nil {
		security.Wipe(existing)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyEnrolled, name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		a.fail("enroll", err)
		return nil, fmt.Errorf("%w: %w", codec.ErrStorage, err)
	}

	id, key, err := a.ctx.Mint(raw)
	if err != nil {
		a.fail("enroll", err)
		return nil, err
	}
	a.metrics.RecordMint()

	if err := a.codec.SavePair(id, key, idLoc, keyLoc); err != nil {
		key.Destroy()
		a.fail("enroll", err)
		return nil, err
	}

	set := NewDeviceIdentitySet(name, id, key, a.ctx)
	for _, purpose := range []string{PurposeAuthentication, PurposeNetworkJoining} {
		if _, err := set.Derive(purpose); err != nil {
			set.Destroy()
			a.fail("enroll", err)
			return nil, err
		}
		a.metrics.RecordDerivation()
	}

	a.metrics.RecordEnrollment()
	a.log.Info("device enrolled",
		logging.FingerprintAttr("device", []byte(name)),
		logging.FingerprintAttr("identity", id.Hash[:]),
		"expires", key.Expiration,
	)
	return set, nil
}

// Restore reads a previously enrolled device back from storage.
func (a *Authority) Restore(name string) (*DeviceIdentitySet, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.mu.RUnlock()

	idLoc, keyLoc, err := a.locations(name)
	if err != nil {
		return nil, err
	}
	id, key, err := a.codec.LoadPair(idLoc, keyLoc)
	if err != nil {
		a.fail("restore", err)
		return nil, err
	}
	a.log.Debug("device restored",
		logging.FingerprintAttr("device", []byte(name)),
		logging.FingerprintAttr("identity", id.Hash[:]),
	)
	return NewDeviceIdentitySet(name, id, key, a.ctx), nil
}

// AuthenticateDevice proves possession of the device's authentication
// identity. The device's key must be unexpired and belong to its base identity.
func (a *Authority) AuthenticateDevice(set *DeviceIdentitySet) (zero.Outcome, error) {
	if err := a.acquire(); err != nil {
		return zero.Outcome{}, err
	}
	defer a.mu.RUnlock()

	authID, err := set.AuthID()
	if err != nil {
		a.fail("authenticate", err)
		return zero.Outcome{}, err
	}
	return a.authenticate(authID, set.Base, set.Key)
}

// JoinNetwork derives the device's identity for network from its
// network-joining identity and proves possession of it for admission.
func (a *Authority) JoinNetwork(set *DeviceIdentitySet, network string) (zero.ZeroID, zero.Outcome, error) {
	if err := a.acquire(); err != nil {
		return zero.ZeroID{}, zero.Outcome{}, err
	}
	defer a.mu.RUnlock()

	parent, err := set.NetworkID()
	if err != nil {
		a.fail("join", err)
		return zero.ZeroID{}, zero.Outcome{}, err
	}
	id, err := a.ctx.Derive(parent, "network-"+network)
	if err != nil {
		a.fail("join", err)
		return zero.ZeroID{}, zero.Outcome{}, err
	}
	a.metrics.RecordDerivation()

	out, err := a.authenticate(id, set.Base, set.Key)
	if err != nil {
		return zero.ZeroID{}, zero.Outcome{}, err
	}
	a.log.Info("network join settled",
		logging.FingerprintAttr("device", []byte(set.Name)),
		"network", network,
		"outcome", out.String(),
	)
	return id, out, nil
}

// Ping reports whether the authority can serve: it is open, its secrets are
// intact and its storage answers.
func (a *Authority) Ping(ctx context.Context) error {
	if err := a.acquire(); err != nil {
		return err
	}
	defer a.mu.RUnlock()

	if a.ctx.Destroyed() {
		return zero.ErrContextDestroyed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.idDB != nil {
		for _, db := range []*store.Store{a.idDB, a.keyDB} {
			if _, err := db.Count(); err != nil {
				return fmt.Errorf("%w: %w", codec.ErrStorage, err)
			}
		}
		return nil
	}
	for _, dir := range []string{a.storage.IDDir, a.storage.KeyDir} {
		if _, err := os.Stat(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", codec.ErrStorage, err)
		}
	}
	return nil
}

// ApplyConfig applies reloaded verifier limits. Secrets, entropy, storage and
// identity settings only take effect on restart.
func (a *Authority) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.acquire(); err != nil {
		return err
	}
	defer a.mu.RUnlock()

	vc := verifierConfig(cfg)
	a.verifier.SetConfig(vc)
	a.log.Info("verifier limits updated",
		"challenge_ttl", vc.ChallengeTTL,
		"max_pending", vc.MaxPending,
		"issue_rate", vc.IssueRate,
		"issue_burst", vc.IssueBurst,
	)
	return nil
}

func (a *Authority) fail(op string, err error) {
	a.metrics.RecordError(op)
	a.log.Warn("operation failed", "op", op, "error", err)
}

// Close abandons pending attempts, wipes the authority's secrets and closes
// storage and the entropy device. It is idempotent.
func (a *Authority) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.verifier != nil {
		a.verifier.Reset()
	}
	err := a.release()
	a.log.Info("authority stopped")
	return err
}

func (a *Authority) release() error {
	var errs []error
	if a.ctx != nil {
		a.ctx.Destroy()
	}
	if a.idDB != nil {
		errs = append(errs, a.idDB.Close())
	}
	if a.keyDB != nil {
		errs = append(errs, a.keyDB.Close())
	}
	if a.closer != nil {
		errs = append(errs, a.closer.Close())
	}
	return errors.Join(errs...)
}
