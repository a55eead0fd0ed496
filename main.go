package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"nostr-proxy/internal/nips"
	"nostr-proxy/internal/nostr"
)

const (
	warmupProbe   = time.Second
	warmupRetry   = 5 * time.Second
	shutdownGrace = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	relays, err := cfg.LoadRelays()
	if err != nil {
		return err
	}
	listenerOpts, err := cfg.HTTPListenerOptions()
	if err != nil {
		return err
	}

	identity, err := LoadIdentity(cfg)
	if err != nil {
		return err
	}
	slog.Info("identity ready", "npub", identity.Npub)

	fixed, err := parseFixedDestination(cfg.Destination, relays)
	if err != nil {
		return err
	}

	clock := NewClock()
	pending := NewPendingTable()
	ingress := NewIngress(identity, pending, clock)
	pool := NewRelayPool(relays, cfg.MaxCachedRelays, identity.PubKey, clock.Since(), ingress.HandleEvent, ingress.AlreadyHave)

	// Warmup probe: give the initial relays a moment, retry once, then
	// refuse to start serving without a single open connection
	if len(relays) > 0 {
		time.Sleep(warmupProbe)
		if pool.ConnectedCount() == 0 {
			slog.Warn("no relays connected yet, waiting", "relays", len(relays))
			time.Sleep(warmupRetry)
			if pool.ConnectedCount() == 0 {
				pool.Close()
				return fmt.Errorf("could not connect to any of %d initial relays", len(relays))
			}
		}
		slog.Info("relays connected", "open", pool.ConnectedCount(), "total", len(relays))
	}

	egress := NewEgress(identity, pool, clock)
	gateway := NewGateway(cfg, identity, pool, pending, egress, fixed)

	clock.Start(ingress.ReapResponses, func(since int64) {
		pool.Rewind(since)
		ingress.ReapEvents(since)
	})

	server := &http.Server{Handler: gateway}
	if listenerOpts.MaxHeaderSize > 0 {
		server.MaxHeaderBytes = listenerOpts.MaxHeaderSize
	}
	if listenerOpts.KeepAliveTimeout > 0 {
		server.IdleTimeout = time.Duration(listenerOpts.KeepAliveTimeout) * time.Millisecond
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		pool.Close()
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	shutdownCh := make(chan string, 1)
	var watcher *fsnotify.Watcher
	if cfg.ExitOnFileChange {
		watcher, err = WatchConfigFiles(cfg, func(path string) {
			select {
			case shutdownCh <- "configuration file changed: " + path:
			default:
			}
		})
		if err != nil {
			pool.Close()
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()
	slog.Info("listening", "addr", ln.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var reason string
	select {
	case sig := <-sigCh:
		reason = sig.String()
	case reason = <-shutdownCh:
	case err := <-serveErr:
		pool.Close()
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutting down", "reason", reason)

	// If draining hangs, leave with the force-exit code
	force := time.AfterFunc(shutdownGrace, func() {
		slog.Error("shutdown did not drain in time")
		os.Exit(255)
	})
	defer force.Stop()

	clock.Stop()
	if watcher != nil {
		watcher.Close()
	}
	pool.Close()
	// Drop active tunnel connections instead of waiting out their timeouts
	server.Close()

	accepted, dropped := ingress.Stats()
	publishOK, publishFailed := pool.Stats()
	slog.Info("shutdown complete",
		"events_accepted", accepted, "events_dropped", dropped,
		"publishes_ok", publishOK, "publishes_failed", publishFailed)
	return nil
}

// parseFixedDestination resolves --destination at startup so a bad value
// fails the process instead of every request
func parseFixedDestination(value string, initialRelays []string) (*Destination, error) {
	if value == "" {
		return nil, nil
	}

	initial := make(map[string]struct{}, len(initialRelays))
	for _, url := range initialRelays {
		initial[url] = struct{}{}
	}

	switch {
	case strings.HasPrefix(value, "nprofile"):
		profile, err := nips.DecodeNProfile(value)
		if err != nil {
			return nil, fmt.Errorf("invalid --destination: %w", err)
		}
		var hints []string
		for _, url := range nostr.NormalizeRelayURLs(profile.RelayHints) {
			if _, dup := initial[url]; dup {
				continue
			}
			hints = append(hints, url)
		}
		return &Destination{Pubkey: profile.Pubkey, Hints: hints}, nil

	case strings.HasPrefix(value, "npub"):
		pubkey, err := nips.DecodePubkey(value)
		if err != nil {
			return nil, fmt.Errorf("invalid --destination: %w", err)
		}
		return &Destination{Pubkey: pubkey}, nil

	default:
		return nil, fmt.Errorf("invalid --destination: expected npub or nprofile")
	}
}
