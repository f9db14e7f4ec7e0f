package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"

	vc "github.com/linnemanlabs/outreach/internal/cfg"
)

const envPrefix = "OUTREACH_"

// settings gathers every package's flags for the server binary.
type settings struct {
	app   vc.Config
	http  httpserver.Config
	mw    httpmw.Config
	log   log.Config
	ops   opshttp.Config
	prof  prof.Config
	trace otelx.Config

	showVersion bool
}

// parseSettings parses args into fs, then fills unset flags from OUTREACH_*
// environment variables. Flags given on the command line always win.
// Validation is skipped when -V is set.
func parseSettings(fs *flag.FlagSet, args []string, warn io.Writer) (*settings, error) {
	s := &settings{}
	s.app.RegisterFlags(fs)
	s.http.RegisterFlags(fs)
	s.mw.RegisterFlags(fs)
	s.log.RegisterFlags(fs)
	s.ops.RegisterFlags(fs)
	s.prof.RegisterFlags(fs)
	s.trace.RegisterFlags(fs)
	fs.BoolVar(&s.showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if s.showVersion {
		return s, nil
	}

	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(warn, format+"\n", args...)
	})

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func (s *settings) validate() error {
	err := errors.Join(
		s.app.Validate(),
		s.http.Validate(),
		s.mw.Validate(),
		s.log.Validate(),
		s.ops.Validate(),
		s.prof.Validate(),
		s.trace.Validate(),
	)
	if err != nil {
		return err
	}
	if s.app.APIPort == s.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", s.app.APIPort)
	}
	return nil
}
