package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"nostr-proxy/internal/nostr"
)

// Config carries every CLI option. Values are read-only after startup; a
// change to one of the watched files restarts the process instead of
// mutating a running instance.
type Config struct {
	Port             int
	Host             string
	Backlog          int
	Exclusive        bool
	HTTPOptions      string
	Relays           []string
	RelaysFile       string
	KeepHost         bool
	NsecFile         string
	SaveNsec         bool
	TimeoutMS        int64
	Destination      string
	MaxCachedRelays  int
	ExitOnFileChange bool
	Verbose          bool
}

// Timeout is the per-request deadline
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LoadRelays resolves the initial relay set. A non-empty relays file wins
// over the --relays flag; an absent or empty file is seeded from the flag.
// The result is normalized and de-duplicated.
func (c *Config) LoadRelays() ([]string, error) {
	var raw []string

	fromFile := false
	if c.RelaysFile != "" {
		data, err := os.ReadFile(c.RelaysFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read relays file: %w", err)
		}
		if fields := strings.Fields(string(data)); len(fields) > 0 {
			raw = fields
			fromFile = true
		}
	}

	if !fromFile {
		// Each flag element may itself carry several whitespace-separated URLs
		for _, entry := range c.Relays {
			raw = append(raw, strings.Fields(entry)...)
		}
		if c.RelaysFile != "" && len(raw) > 0 {
			if err := os.WriteFile(c.RelaysFile, []byte(strings.Join(raw, "\n")+"\n"), 0o644); err != nil {
				return nil, fmt.Errorf("seed relays file: %w", err)
			}
		}
	}

	return nostr.NormalizeRelayURLs(raw), nil
}

// httpListenerOptions is the portable subset of --nodejs-http-options.
// maxHeaderSize maps onto Server.MaxHeaderBytes and keepAliveTimeout
// (milliseconds) onto Server.IdleTimeout; every other key is ignored.
type httpListenerOptions struct {
	MaxHeaderSize    int   `json:"maxHeaderSize"`
	KeepAliveTimeout int64 `json:"keepAliveTimeout"`
}

// HTTPListenerOptions parses the opaque options blob
func (c *Config) HTTPListenerOptions() (*httpListenerOptions, error) {
	opts := &httpListenerOptions{}
	blob := strings.TrimSpace(c.HTTPOptions)
	if blob == "" || blob == "{}" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(blob), opts); err != nil {
		return nil, fmt.Errorf("parse --nodejs-http-options: %w", err)
	}
	return opts, nil
}

// WatchConfigFiles signals onChange once when the nsec or relays file is
// modified. Used with --exit-on-file-change to trigger a graceful restart
// by the supervisor.
func WatchConfigFiles(cfg *Config, onChange func(path string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	watched := 0
	for _, path := range []string{cfg.NsecFile, cfg.RelaysFile} {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			slog.Warn("cannot watch file", "path", path, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil, nil
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					onChange(event.Name)
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("file watcher error", "error", err)
			}
		}
	}()

	return watcher, nil
}
