package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:   "nostr-proxy",
		Short: "HTTP proxy that tunnels requests through gift-wrapped events",
		Long: `nostr-proxy listens for plain HTTP requests and tunnels each
request/response round trip through relays as encrypted, gift-wrapped
events addressed to a destination public key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	f := cmd.Flags()

	// Claim --help without a shorthand up front; -h belongs to --host
	f.Bool("help", false, "help for nostr-proxy")
	f.Lookup("help").Hidden = true

	f.IntVarP(&cfg.Port, "port", "p", 0, "TCP port to listen on")
	f.StringVarP(&cfg.Host, "host", "h", "", "bind host")
	f.IntVar(&cfg.Backlog, "backlog", 0, "listen backlog (accepted for compatibility, not applied)")
	f.BoolVar(&cfg.Exclusive, "exclusive", false, "exclusive bind (accepted for compatibility, not applied)")
	f.StringVar(&cfg.HTTPOptions, "nodejs-http-options", "{}", "JSON HTTP listener options; maxHeaderSize and keepAliveTimeout are honored")
	f.StringArrayVar(&cfg.Relays, "relays", nil, "initial relay URLs (each value may hold several whitespace-separated URLs)")
	f.StringVar(&cfg.RelaysFile, "relays-file", "", "persisted relay list; non-empty file overrides --relays, otherwise seeded from it")
	f.BoolVar(&cfg.KeepHost, "keep-host", false, "preserve the Host header instead of stripping it")
	f.StringVar(&cfg.NsecFile, "nsec-file", "", "secret key file (bech32 nsec)")
	f.BoolVar(&cfg.SaveNsec, "save-nsec", false, "generate and save the key when the nsec file is absent")
	f.Int64Var(&cfg.TimeoutMS, "timeout", 300000, "per-request timeout in milliseconds")
	f.StringVar(&cfg.Destination, "destination", "", "fixed npub or nprofile destination")
	f.IntVar(&cfg.MaxCachedRelays, "max-cached-relays", 10, "maximum cached hint relays")
	f.BoolVar(&cfg.ExitOnFileChange, "exit-on-file-change", false, "exit gracefully when the nsec or relays file changes")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose logging")

	cmd.MarkFlagRequired("port")

	return cmd
}
