package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"phantomid/internal/authority"
	"phantomid/internal/codec"
	"phantomid/internal/config"
	"phantomid/internal/health"
	"phantomid/internal/security"
	"phantomid/internal/zero"
)

// maxIdentifierInput bounds a raw identifier read from stdin.
const maxIdentifierInput = zero.MaxIdentifierLength

func short(id zero.ZeroID) string {
	return id.HashHex()[:16]
}

// =============================================================================
// demo
// =============================================================================

func (c *cli) cmdDemo(args []string) error {
	fs := c.flagSet("demo")
	cfgPath := fs.String("config", "", "configuration file")
	network := fs.String("network", "blueshare-mesh-001", "network the devices join")
	dir := fs.String("dir", "", "storage directory (default: a temporary directory, removed afterwards)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	root := *dir
	if root == "" {
		root, err = os.MkdirTemp("", "phantomid-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(root)
	}
	cfg.Storage.IDDir = filepath.Join(root, "identities")
	cfg.Storage.KeyDir = filepath.Join(root, "keys")
	cfg.Storage.IDDB = filepath.Join(root, "identities.db")
	cfg.Storage.KeyDB = filepath.Join(root, "keys.db")

	a, _, done, err := c.openAuthority(cfg)
	if err != nil {
		return err
	}
	defer done()

	w := c.stdout
	fmt.Fprintf(w, "Storage: %s (%s backend, %s records)\n\n", root, cfg.Storage.Backend, a.Codec().Format())

	devices := map[string]*authority.DeviceIdentitySet{}
	for _, name := range []string{"alice", "bob"} {
		set, err := a.Enroll(name, []byte("device-"+name+"-serial"))
		if err != nil {
			return fmt.Errorf("enroll %s: %w", name, err)
		}
		devices[name] = set
		idLoc, keyLoc, err := a.RecordLocations(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Enrolled %-5s  identity %s\n", name, short(set.Base))
		fmt.Fprintf(w, "               identity record %s\n", idLoc)
		fmt.Fprintf(w, "               key record      %s\n", keyLoc)
	}
	alice, bob := devices["alice"], devices["bob"]
	fmt.Fprintln(w)

	for _, set := range []*authority.DeviceIdentitySet{alice, bob} {
		out, err := a.AuthenticateDevice(set)
		if err != nil {
			return fmt.Errorf("authenticate %s: %w", set.Name, err)
		}
		authID, _ := set.AuthID()
		fmt.Fprintf(w, "Authenticate %-5s as %s: %s\n", set.Name, short(authID), out)
	}

	aliceAuth, _ := alice.AuthID()
	out, err := a.Authenticate(aliceAuth, bob.Key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Authenticate alice with bob's key: %s\n\n", out)

	for _, set := range []*authority.DeviceIdentitySet{alice, bob} {
		id, out, err := a.JoinNetwork(set, *network)
		if err != nil {
			return fmt.Errorf("join %s: %w", set.Name, err)
		}
		fmt.Fprintf(w, "Join %s as %-5s identity %s: %s\n", *network, set.Name, short(id), out)
	}
	fmt.Fprintln(w)

	// Distributed round: the verifier issues, the device proves elsewhere.
	pc, err := a.IssueChallenge(alice.Base)
	if err != nil {
		return err
	}
	proof := zero.CreateProof(alice.Base, pc.Challenge)
	out, err = a.VerifyChallenge(pc.AttemptID, proof, alice.Base, alice.Key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Challenge %s answered by alice: %s\n", pc.AttemptID, out)
	if _, err := a.VerifyChallenge(pc.AttemptID, proof, alice.Base, alice.Key); errors.Is(err, authority.ErrUnknownAttempt) {
		fmt.Fprintf(w, "Replay of the same proof: refused (%v)\n", err)
	} else {
		return fmt.Errorf("replayed proof was not refused: %v", err)
	}

	restored, err := a.Restore("alice")
	if err != nil {
		return err
	}
	defer restored.Destroy()
	out, err = a.AuthenticateDevice(restored)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Restore alice from storage and authenticate: %s\n", out)

	alice.Destroy()
	bob.Destroy()
	return nil
}

// =============================================================================
// enroll / list
// =============================================================================

func (c *cli) cmdEnroll(args []string) error {
	fs := c.flagSet("enroll")
	cfgPath := fs.String("config", "", "configuration file")
	raw := fs.String("id", "", "raw device identifier (\"-\" reads standard input)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: phantomctl enroll [-config file] -id <identifier|-> <name>", errUsage)
	}
	name := fs.Arg(0)

	identifier, err := c.readIdentifier(*raw)
	if err != nil {
		return err
	}
	defer security.Wipe(identifier)

	_, cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	a, _, done, err := c.openAuthority(cfg)
	if err != nil {
		return err
	}
	defer done()

	set, err := a.Enroll(name, identifier)
	if err != nil {
		return err
	}
	defer set.Destroy()

	idLoc, keyLoc, err := a.RecordLocations(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Enrolled %s\n", name)
	fmt.Fprintf(c.stdout, "  Identity:   %s\n", set.Base.HashHex())
	fmt.Fprintf(c.stdout, "  Expires:    %s\n", set.Key.Expiration.Format(time.RFC3339))
	fmt.Fprintf(c.stdout, "  ID record:  %s\n", idLoc)
	fmt.Fprintf(c.stdout, "  Key record: %s\n", keyLoc)
	return nil
}

func (c *cli) readIdentifier(flagValue string) ([]byte, error) {
	switch flagValue {
	case "":
		return nil, fmt.Errorf("%w: -id is required", errUsage)
	case "-":
		data, err := io.ReadAll(io.LimitReader(c.stdin, maxIdentifierInput+1))
		if err != nil {
			return nil, fmt.Errorf("read identifier: %w", err)
		}
		if len(data) > maxIdentifierInput {
			return nil, fmt.Errorf("%w: identifier longer than %d bytes", zero.ErrInvalidIdentifier, maxIdentifierInput)
		}
		return bytes.TrimRight(data, "\r\n"), nil
	default:
		return []byte(flagValue), nil
	}
}

func (c *cli) cmdList(args []string) error {
	fs := c.flagSet("list")
	cfgPath := fs.String("config", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	a, _, done, err := c.openAuthority(cfg)
	if err != nil {
		return err
	}
	defer done()

	names, err := a.Devices()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(c.stdout, "No devices enrolled.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(c.stdout, name)
	}
	return nil
}

// =============================================================================
// inspect
// =============================================================================

func (c *cli) cmdInspect(args []string) error {
	fs := c.flagSet("inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: phantomctl inspect <record file>", errUsage)
	}
	path := fs.Arg(0)

	data, err := security.ReadPublicFile(path, codec.MaxRecordSize)
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	defer security.Wipe(data)

	format, err := codec.DetectFormat(data)
	if err != nil {
		return err
	}
	kind, err := codec.PeekKind(data)
	if err != nil {
		return err
	}

	w := c.stdout
	fmt.Fprintf(w, "File:    %s\n", path)
	fmt.Fprintf(w, "Kind:    %s\n", kind)
	fmt.Fprintf(w, "Format:  %s\n", format)

	switch kind {
	case codec.KindID:
		id, err := codec.DecodeID(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Version: %d\n", id.Version)
		fmt.Fprintf(w, "Hash:    %s\n", id.HashHex())
		fmt.Fprintf(w, "Salt:    %s\n", hex.EncodeToString(id.Salt[:]))
		fmt.Fprintf(w, "Created: %s\n", id.Created.Format(time.RFC3339Nano))
	case codec.KindKey:
		key, err := codec.DecodeKey(data)
		if err != nil {
			return err
		}
		defer key.Destroy()
		fmt.Fprintf(w, "Minted:  %s\n", key.Timestamp.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Expires: %s\n", key.Expiration.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Expired: %t\n", key.Expired(time.Now()))
		fmt.Fprintln(w, "Secret:  (withheld)")
	}
	return nil
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) cmdServe(ctx context.Context, args []string) error {
	fs := c.flagSet("serve")
	cfgPath := fs.String("config", "", "configuration file")
	listen := fs.String("listen", "127.0.0.1:9464", "health and metrics listen address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader, cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer loader.Close()

	a, log, done, err := c.openAuthority(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.Verifier().Run(ctx)

	loader.OnChange(func(next *config.Config) {
		if err := a.ApplyConfig(next); err != nil {
			log.Warn("config reload not applied", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				log.Warn("config reload rejected", "error", err)
			}
		}
	}()

	checker := health.NewChecker()
	checker.RegisterFunc("authority", true, health.ErrorCheck(a.Ping))
	checker.RegisterFunc("pending_attempts", false, health.CapacityCheck(
		a.Verifier().Pending,
		func() int { return a.Verifier().Config().MaxPending },
		0.9,
	))

	var srv *http.Server
	serveErr := make(chan error, 1)
	if *listen != "" {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", *listen, err)
		}
		mux := http.NewServeMux()
		checker.Mount(mux)
		if m := a.Metrics(); m != nil {
			mux.Handle("/metrics", m.Handler())
		}
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() { serveErr <- srv.Serve(ln) }()
		fmt.Fprintf(c.stdout, "Serving health and metrics on http://%s\n", ln.Addr())
	}
	checker.SetReady(true)

	fmt.Fprintf(c.stdout, "Verifier running (config %s). Press Ctrl+C to stop.\n", loader.Path())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	checker.SetReady(false)
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}
	fmt.Fprintln(c.stdout, "Stopped.")
	return nil
}

// =============================================================================
// config
// =============================================================================

func (c *cli) cmdConfig(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: phantomctl config init|show [-config file]", errUsage)
	}
	action := args[0]

	fs := c.flagSet("config " + action)
	cfgPath := fs.String("config", "", "configuration file")
	force := fs.Bool("force", false, "overwrite an existing file (init)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	path := *cfgPath
	if path == "" {
		path = config.ConfigPath()
	}

	switch action {
	case "init":
		if _, err := os.Stat(path); err == nil && !*force {
			return fmt.Errorf("%s already exists (use -force to overwrite)", path)
		}
		if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Wrote default configuration to %s\n", path)
		return nil

	case "show":
		_, cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Config:        %s\n", path)
		fmt.Fprintf(c.stdout, "Key TTL:       %s\n", cfg.KeyTTL())
		fmt.Fprintf(c.stdout, "Derived salt:  %s\n", cfg.Identity.DerivedSalt)
		fmt.Fprintf(c.stdout, "Entropy:       %s\n", cfg.Entropy.Source)
		fmt.Fprintf(c.stdout, "Challenge TTL: %s\n", cfg.ChallengeTTL())
		fmt.Fprintf(c.stdout, "Storage:       %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Format)
		if cfg.Storage.Backend == "sqlite" {
			fmt.Fprintf(c.stdout, "  Identities:  %s\n", cfg.Storage.IDDB)
			fmt.Fprintf(c.stdout, "  Keys:        %s\n", cfg.Storage.KeyDB)
		} else {
			fmt.Fprintf(c.stdout, "  Identities:  %s\n", cfg.Storage.IDDir)
			fmt.Fprintf(c.stdout, "  Keys:        %s\n", cfg.Storage.KeyDir)
		}
		fmt.Fprintf(c.stdout, "Metrics:       %t\n", cfg.Metrics.Enabled)
		return nil

	default:
		return fmt.Errorf("%w: unknown config action %q", errUsage, action)
	}
}
