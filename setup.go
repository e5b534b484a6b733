package logpipe

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/libb-io/logpipe/backend"
	"github.com/libb-io/logpipe/bridge"
	"github.com/libb-io/logpipe/sink"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Destination thresholds fixed by the deployment presets.
const (
	fileThreshold   = level.Warning
	mailThreshold   = level.Error
	syslogThreshold = level.Info
	notifyThreshold = level.Error

	webRotateInterval = 24 * time.Hour
	webRetentionCount = 7
)

// wellKnownLoggers are the bridged logger names every setup type
// pre-registers, matching the setup type names themselves.
var wellKnownLoggers = []string{"cmd", "job", "web", "twd", "srp"}

// ExtraSink describes one additional destination beyond the preset:
// either a ready-made sender or a declarative {kind, options} pair
// resolved through the sink kind registry.
type ExtraSink struct {
	// Sender, when set, is registered directly and Kind is ignored.
	Sender send.Sender
	// Kind names a registered sink constructor.
	Kind string
	// Options parameterize the constructor.
	Options map[string]string
	// Threshold defaults to the configured base level when invalid.
	Threshold level.Priority
}

// SinkFactory builds a sender from declarative extra-sink options.
type SinkFactory func(options map[string]string, format send.MessageFormatter) (send.Sender, error)

var (
	factoryMu     sync.Mutex
	sinkFactories = map[string]SinkFactory{
		"url": func(options map[string]string, format send.MessageFormatter) (send.Sender, error) {
			timeout, err := optionDuration(options, "timeout")
			if err != nil {
				return nil, err
			}
			return sink.NewURL(sink.URLOptions{
				Name:    options["name"],
				URL:     options["url"],
				Format:  format,
				Timeout: timeout,
			})
		},
		"console": func(options map[string]string, format send.MessageFormatter) (send.Sender, error) {
			return sink.NewConsole(sink.ConsoleOptions{Name: options["name"], Format: format})
		},
		"file": func(options map[string]string, format send.MessageFormatter) (send.Sender, error) {
			return sink.NewFile(sink.FileOptions{
				Name:   options["name"],
				Path:   options["path"],
				Format: format,
			})
		},
		"syslog": func(options map[string]string, format send.MessageFormatter) (send.Sender, error) {
			port, err := strconv.Atoi(options["port"])
			if err != nil {
				return nil, errors.Wrap(err, "parsing syslog port option")
			}
			return sink.NewSyslog(sink.SyslogOptions{
				Name:   options["name"],
				Host:   options["host"],
				Port:   port,
				Format: format,
			})
		},
	}
)

func optionDuration(options map[string]string, key string) (time.Duration, error) {
	val, ok := options[key]
	if !ok || val == "" {
		return 0, nil
	}
	out, err := time.ParseDuration(val)
	return out, errors.Wrapf(err, "parsing %s option", key)
}

// RegisterSinkKind adds a constructor to the extra-sink registry,
// replacing any prior registration for the kind.
func RegisterSinkKind(kind string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[kind] = factory
}

func lookupSinkKind(kind string) (SinkFactory, bool) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	f, ok := sinkFactories[kind]
	return f, ok
}

// ConfigureOptions parameterize one Configure call.
type ConfigureOptions struct {
	Setup SetupType
	// App identifies the process in file names, preambles, and mail
	// subjects. Defaults to the executable name.
	App string
	// AppArgs is the invocation argument string recorded in the
	// preamble.
	AppArgs string
	// Settings overrides the environment contract; nil loads it
	// from the environment.
	Settings *Settings
	// Level overrides the preset base threshold when valid.
	Level level.Priority
	// Web supplies request-context resolvers for the web setup.
	Web *WebContext
	// Extras register additional destinations after the preset
	// ones.
	Extras []ExtraSink
	// Local overrides the fallback sender receiving delivery error
	// reports.
	Local send.Sender
	// ConsoleOutput redirects the console sink away from stderr,
	// for embedding and tests.
	ConsoleOutput io.Writer
	// DisableInteractiveDebug keeps the console threshold at the
	// preset level even on a terminal.
	DisableInteractiveDebug bool
}

// setupState is what a successful Configure leaves behind for the
// runtime controls.
type setupState struct {
	config          Config
	bridge          *bridge.Bridge
	screenshottable []sink.WebdriverPatchable
}

var (
	setupMu sync.Mutex
	current *setupState
)

// Configure resets the default backend and rebuilds it for the given
// setup type: enrichment patchers, preset destinations whose
// environment sections are configured, extra destinations, and the
// legacy bridge. It is called once at startup; calling it again
// tears down the previous configuration first. Configuration and
// destination-usability errors are returned synchronously.
func Configure(ctx context.Context, opts ConfigureOptions) error {
	cfg, err := resolvePreset(opts.Setup)
	if err != nil {
		return err
	}
	if opts.Level.IsValid() {
		cfg.Level = opts.Level
	}
	cfg.App = opts.App
	if cfg.App == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.App = filepath.Base(exe)
		} else {
			cfg.App = "unknown"
		}
	}
	cfg.AppArgs = opts.AppArgs
	cfg.WebContext = opts.Web

	settings := opts.Settings
	if settings == nil {
		settings, err = SettingsFromEnv()
		if err != nil {
			return errors.Wrap(err, "loading logging settings")
		}
	} else if err := settings.Validate(); err != nil {
		return errors.Wrap(err, "validating logging settings")
	}

	setupMu.Lock()
	defer setupMu.Unlock()

	b := defaultBackend()
	if current != nil {
		current.bridge.Uninstall()
		current = nil
	}
	b.Reset()
	if opts.Local != nil {
		b.SetLocal(opts.Local)
	}

	state := &setupState{config: cfg}

	format := backend.MakeJobFormatter(backend.FormatOptions{Diagnose: settings.Diagnose})
	if cfg.Setup == SetupWeb {
		format = backend.MakeWebFormatter(backend.FormatOptions{Diagnose: settings.Diagnose})
	}

	patchers := []backend.Patcher{backend.MachinePatcher()}
	if cfg.Setup.batchLike() {
		preamble := backend.NewPreambleState(level.Error)
		patchers = append(patchers, backend.PreamblePatcher(preamble, cfg.App, cfg.AppArgs, string(cfg.Setup)))
	}
	// Request enrichment applies to the web setup and to any setup
	// that supplies an explicit web context.
	if cfg.Setup == SetupWeb || cfg.WebContext != nil {
		var remoteAddr, user func() string
		if cfg.WebContext != nil {
			remoteAddr = cfg.WebContext.RemoteAddr
			user = cfg.WebContext.User
		}
		patchers = append(patchers, backend.WebPatcher(remoteAddr, user, backend.DefaultDNSTimeout))
	}
	b.SetPatchers(patchers...)

	catcher := grip.NewBasicCatcher()

	if cfg.Console {
		threshold := cfg.Level
		if !opts.DisableInteractiveDebug && term.IsTerminal(int(os.Stderr.Fd())) {
			threshold = level.Debug
		}
		console, err := sink.NewConsole(sink.ConsoleOptions{Name: "console", Output: opts.ConsoleOutput, Format: format})
		if err != nil {
			catcher.Wrap(err, "building console sink")
		} else {
			b.AddSink(console, threshold)
		}
	}

	if cfg.File {
		fileOpts := sink.FileOptions{
			Name:     "file",
			Path:     sink.LogFilePath(settings.LogDir, cfg.App, time.Now()),
			Format:   format,
			Preamble: cfg.Setup.batchLike(),
		}
		if cfg.Setup == SetupWeb {
			fileOpts.RotateInterval = webRotateInterval
			fileOpts.RetentionCount = webRetentionCount
		}
		file, err := sink.NewFile(fileOpts)
		if err != nil {
			catcher.Wrap(err, "building file sink")
		} else {
			b.AddSink(file, fileThreshold)
		}
	}

	if cfg.Mail {
		mailer, err := buildMailer(settings)
		if err != nil {
			catcher.Wrap(err, "building mail transport")
		} else if mailer != nil {
			digest, err := sink.NewDigest(mailer, sink.DigestOptions{Name: "mail", Format: format})
			if err != nil {
				catcher.Wrap(err, "building mail sink")
			} else {
				b.AddSink(digest, mailThreshold)
				if patchable, ok := digest.(sink.WebdriverPatchable); ok {
					state.screenshottable = append(state.screenshottable, patchable)
				}
			}
		}
	}

	if cfg.Syslog && settings.Syslog.Configured() {
		syslog, err := sink.NewSyslog(sink.SyslogOptions{
			Name:   "syslog",
			Host:   settings.Syslog.Host,
			Port:   settings.Syslog.Port,
			Tag:    cfg.App,
			Format: format,
		})
		if err != nil {
			catcher.Wrap(err, "building syslog sink")
		} else {
			b.AddSink(sink.NewAsync(syslog, 0), syslogThreshold)
		}
	}

	if cfg.TLSSyslog && settings.TLSSyslog.Configured() {
		tlsSyslog, err := sink.NewTLSSyslog(sink.SyslogOptions{
			Name:   "tls-syslog",
			Host:   settings.TLSSyslog.Host,
			Port:   settings.TLSSyslog.Port,
			Tag:    cfg.App,
			Format: format,
		}, settings.TLSSyslog.CertDir)
		if err != nil {
			catcher.Wrap(err, "building TLS syslog sink")
		} else {
			b.AddSink(sink.NewAsync(tlsSyslog, 0), syslogThreshold)
		}
	}

	if cfg.Notify && settings.Notify.Configured() {
		notify, err := sink.NewSNS(ctx, sink.SNSOptions{
			Name:     "notify",
			TopicARN: settings.Notify.TopicARN,
			Format:   format,
		})
		if err != nil {
			catcher.Wrap(err, "building notification sink")
		} else {
			b.AddSink(sink.NewAsync(notify, 0), notifyThreshold)
		}
	}

	for idx, extra := range opts.Extras {
		threshold := extra.Threshold
		if !threshold.IsValid() {
			threshold = cfg.Level
		}

		sender := extra.Sender
		if sender == nil {
			factory, ok := lookupSinkKind(extra.Kind)
			if !ok {
				catcher.Errorf("extra sink %d: unknown kind %q", idx, extra.Kind)
				continue
			}
			sender, err = factory(extra.Options, format)
			if err != nil {
				catcher.Wrapf(err, "extra sink %d (%s)", idx, extra.Kind)
				continue
			}
		}

		b.AddSink(sender, threshold)
		if patchable, ok := sender.(sink.WebdriverPatchable); ok {
			state.screenshottable = append(state.screenshottable, patchable)
		}
	}

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	state.bridge = bridge.New(b)
	names := append([]string{}, wellKnownLoggers...)
	names = append(names, settings.ExtraLoggers...)
	state.bridge.Install(names...)

	current = state
	return nil
}

// buildMailer selects the configured mail transport, preferring the
// HTTP API over direct SMTP. Returns nil when neither is configured.
func buildMailer(settings *Settings) (sink.Mailer, error) {
	switch {
	case settings.MailAPI.Configured():
		return sink.NewAPIMailer(sink.MailAPIOptions{
			APIKey: settings.MailAPI.APIKey,
			From:   settings.MailAPI.From,
			To:     settings.MailAPI.To,
			URL:    settings.MailAPI.URL,
		})
	case settings.SMTP.Configured():
		return sink.NewSMTPMailer(sink.SMTPOptions{
			Host:        settings.SMTP.Host,
			Port:        settings.SMTP.Port,
			Username:    settings.SMTP.Username,
			Password:    settings.SMTP.Password,
			UseSSL:      settings.SMTP.UseSSL,
			UseStartTLS: settings.SMTP.UseStartTLS,
			From:        settings.SMTP.From,
			Recipients:  settings.SMTP.Recipients,
		})
	default:
		return nil, nil
	}
}

// PatchWebdriver broadcasts a screenshot handle to every registered
// screenshot-capable destination. It may be called at any time after
// Configure and takes effect on the next delivery.
func PatchWebdriver(d sink.Screenshotter) {
	setupMu.Lock()
	defer setupMu.Unlock()

	if current == nil {
		return
	}
	for _, patchable := range current.screenshottable {
		patchable.SetWebdriver(d)
	}
}

// SetLevel adjusts the effective legacy-logger threshold by level
// name. Unknown names open the bridge fully.
func SetLevel(name string) {
	setupMu.Lock()
	defer setupMu.Unlock()

	if current != nil {
		current.bridge.SetLevel(name)
	}
}

// ClassLogger returns a bridged logger named after a value's type.
func ClassLogger(v any, enable string) *slog.Logger {
	setupMu.Lock()
	defer setupMu.Unlock()

	if current == nil {
		return nil
	}
	return current.bridge.ForType(v, enable)
}

// Uninstall tears down the bridge and resets the default backend,
// closing every registered sink. Intended for tests and orderly
// shutdown after Complete.
func Uninstall() {
	setupMu.Lock()
	defer setupMu.Unlock()

	if current != nil {
		current.bridge.Uninstall()
		current = nil
	}
	defaultBackend().Reset()
}
