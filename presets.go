package logpipe

import (
	"github.com/mongodb/grip/level"
	"github.com/pkg/errors"
)

// SetupType names a deployment profile selecting a destination
// preset.
type SetupType string

const (
	// SetupCmd is an interactive command line tool: console only,
	// verbose by default.
	SetupCmd SetupType = "cmd"
	// SetupJob is an unattended batch job: file, mail, syslog, and
	// notification destinations.
	SetupJob SetupType = "job"
	// SetupWeb is a request-serving process: like job, with
	// request-context enrichment and daily file rotation.
	SetupWeb SetupType = "web"
	// SetupTwd is a long-running supervised service: remote
	// destinations only.
	SetupTwd SetupType = "twd"
	// SetupSrp is a scheduled scrape/report run: mail and remote
	// destinations.
	SetupSrp SetupType = "srp"
)

// batchLike reports whether the setup type gets preamble enrichment.
func (t SetupType) batchLike() bool {
	return t == SetupJob || t == SetupTwd || t == SetupSrp
}

// WebContext supplies the request-scoped resolvers used by the web
// patcher.
type WebContext struct {
	// RemoteAddr resolves the current request's peer address.
	RemoteAddr func() string
	// User resolves the current request's user identity.
	User func() string
}

// Config is one fully materialized logging configuration. It is built
// by preset resolution, never mutated afterward, and replaced
// wholesale by the next Configure call.
type Config struct {
	Setup   SetupType
	App     string
	AppArgs string
	Level   level.Priority

	Console   bool
	File      bool
	Mail      bool
	Syslog    bool
	TLSSyslog bool
	Notify    bool

	WebContext *WebContext
}

var presets = map[SetupType]Config{
	SetupCmd: {Setup: SetupCmd, Level: level.Debug, Console: true},
	SetupJob: {Setup: SetupJob, Level: level.Info, Console: true, File: true, Mail: true, Syslog: true, TLSSyslog: true, Notify: true},
	SetupWeb: {Setup: SetupWeb, Level: level.Info, Console: true, File: true, Mail: true, Syslog: true, TLSSyslog: true, Notify: true},
	SetupTwd: {Setup: SetupTwd, Level: level.Info, Console: true, Syslog: true, TLSSyslog: true, Notify: true},
	SetupSrp: {Setup: SetupSrp, Level: level.Info, Console: true, Mail: true, Syslog: true, TLSSyslog: true, Notify: true},
}

// resolvePreset maps a setup type to its preset configuration. It is
// a pure function: the same inputs always produce the same Config.
// Unknown setup types are a configuration error.
func resolvePreset(setup SetupType) (Config, error) {
	cfg, ok := presets[setup]
	if !ok {
		return Config{}, errors.Errorf("unknown setup type %q", setup)
	}
	return cfg, nil
}
