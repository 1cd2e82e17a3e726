// phantomctl - Privacy-preserving pseudo-identity authority
//
//	phantomctl demo             Run the two-device end-to-end scenario
//	phantomctl enroll <name>    Mint a device identity and persist it
//	phantomctl list             List enrolled devices
//	phantomctl inspect <file>   Print the public fields of a record
//	phantomctl serve            Run the verifier with hot reload and metrics
//	phantomctl config <action>  Write or show the configuration
//	phantomctl version          Print version information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"phantomid/internal/authority"
	"phantomid/internal/config"
	"phantomid/internal/logging"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// errUsage marks a command line the user got wrong; the exit code is 2.
var errUsage = errors.New("usage")

// cli carries the process streams so commands can be driven from tests.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, c *cli) int {
	if len(args) < 1 {
		c.usage()
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "demo":
		err = c.cmdDemo(rest)
	case "enroll":
		err = c.cmdEnroll(rest)
	case "list":
		err = c.cmdList(rest)
	case "inspect":
		err = c.cmdInspect(rest)
	case "serve":
		err = c.cmdServe(ctx, rest)
	case "config":
		err = c.cmdConfig(rest)
	case "version":
		fmt.Fprintf(c.stdout, "phantomctl %s (commit %s, built %s)\n", version, commit, buildTime)
	case "help", "-h", "--help":
		c.usage()
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n\n", cmd)
		c.usage()
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
}

func (c *cli) usage() {
	fmt.Fprint(c.stderr, `phantomctl - Privacy-preserving pseudo-identities

USAGE:
    phantomctl <command> [options]

COMMANDS:
    demo                 Enroll two devices, authenticate them and join a network
    enroll <name>        Mint an identity for a device and store it
    list                 List enrolled devices
    inspect <file>       Decode a stored record and print its public fields
    serve                Run the challenge verifier until interrupted
    config init|show     Write a default configuration or print the current one
    version              Show version information
    help                 Show this help message

Every command accepting -config reads TOML, YAML or JSON by extension.
The default is $PHANTOMID_CONFIG or config.toml in the data directory.

PRIVACY NOTE:
    Raw device identifiers are hashed on entry and never stored or logged.
    Identity records may be shared; key records must stay private.
`)
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// loadConfig reads the configuration at path, or the default location.
func loadConfig(path string) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	return loader, cfg, nil
}

// newLogger builds the configured logger, sending stderr output to c.stderr.
func (c *cli) newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	lc.Component = "phantomctl"
	if lc.Output == "stderr" {
		lc.Writer = c.stderr
	}
	return logging.New(lc)
}

// openAuthority prepares storage directories and starts an authority.
// The returned function closes the authority and the logger.
func (c *cli) openAuthority(cfg *config.Config, opts ...authority.Option) (*authority.Authority, *logging.Logger, func(), error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, nil, fmt.Errorf("prepare storage: %w", err)
	}
	log, err := c.newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := authority.New(cfg, append([]authority.Option{authority.WithLogger(log)}, opts...)...)
	if err != nil {
		_ = log.Close()
		return nil, nil, nil, err
	}
	return a, log, func() {
		_ = a.Close()
		_ = log.Close()
	}, nil
}
