package logpipe

import (
	"os"
	"strconv"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// Settings is the process-environment contract for logging
// destinations. A section with missing values reports itself as not
// configured, which disables the matching destination without error.
type Settings struct {
	Syslog    SyslogSettings
	TLSSyslog TLSSyslogSettings
	MailAPI   MailAPISettings
	SMTP      SMTPSettings
	Notify    NotifySettings

	// ExtraLoggers lists additional named loggers to route through
	// the bridge, beyond the well-known setup names.
	ExtraLoggers []string
	// Diagnose enables verbose rendering of attached errors,
	// including stack traces where available.
	Diagnose bool
	// LogDir is the directory for rotating log files. Defaults to
	// the system temp directory.
	LogDir string
}

type SyslogSettings struct {
	Host string
	Port int
}

func (s SyslogSettings) Configured() bool { return s.Host != "" && s.Port > 0 }

type TLSSyslogSettings struct {
	Host string
	Port int
	// CertDir holds ca.pem, cert.pem, and key.pem.
	CertDir string
}

func (s TLSSyslogSettings) Configured() bool {
	return s.Host != "" && s.Port > 0 && s.CertDir != ""
}

type MailAPISettings struct {
	APIKey string
	From   string
	To     []string
	// URL overrides the provider endpoint.
	URL string
}

func (s MailAPISettings) Configured() bool {
	return s.APIKey != "" && s.From != "" && len(s.To) > 0
}

type SMTPSettings struct {
	Host        string
	Port        int
	Username    string
	Password    string
	UseSSL      bool
	From        string
	Recipients  []string
	UseStartTLS bool
}

func (s SMTPSettings) Configured() bool {
	return s.Host != "" && s.From != "" && len(s.Recipients) > 0
}

type NotifySettings struct {
	TopicARN string
}

func (s NotifySettings) Configured() bool { return s.TopicARN != "" }

// Validate checks internal consistency of the populated sections.
// Absent sections are always valid.
func (s *Settings) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(s.Syslog.Host != "" && s.Syslog.Port <= 0, "syslog host set without a port")
	catcher.NewWhen(s.TLSSyslog.Host != "" && s.TLSSyslog.Port <= 0, "TLS syslog host set without a port")
	catcher.NewWhen(s.TLSSyslog.Host != "" && s.TLSSyslog.CertDir == "", "TLS syslog host set without a certificate directory")
	catcher.NewWhen(s.SMTP.UseSSL && s.SMTP.UseStartTLS, "cannot use both SSL and StartTLS for SMTP")
	return catcher.Resolve()
}

const (
	envSyslogHost     = "CONFIG_SYSLOG_HOST"
	envSyslogPort     = "CONFIG_SYSLOG_PORT"
	envTLSSyslogHost  = "CONFIG_TLSSYSLOG_HOST"
	envTLSSyslogPort  = "CONFIG_TLSSYSLOG_PORT"
	envTLSSyslogDir   = "CONFIG_TLSSYSLOG_DIR"
	envMailAPIKey     = "CONFIG_MANDRILL_APIKEY"
	envMailAPIURL     = "CONFIG_MANDRILL_URL"
	envMailFrom       = "CONFIG_MAIL_FROM"
	envMailTo         = "CONFIG_MAIL_TO"
	envSMTPHost       = "CONFIG_SMTP_HOST"
	envSMTPPort       = "CONFIG_SMTP_PORT"
	envSMTPUser       = "CONFIG_SMTP_USER"
	envSMTPPassword   = "CONFIG_SMTP_PASSWORD"
	envSMTPSSL        = "CONFIG_SMTP_SSL"
	envNotifyTopicARN = "CONFIG_SNSLOG_TOPIC_ARN"
	envExtraLoggers   = "CONFIG_LOG_MODULES_EXTRA"
	envEnableDiagnose = "CONFIG_LOG_ENABLE_DIAGNOSE"
	envLogDir         = "CONFIG_LOG_DIR"
)

// SettingsFromEnv loads the logging environment contract. Unset
// variables leave their sections unconfigured; malformed numeric or
// boolean values are an error.
func SettingsFromEnv() (*Settings, error) {
	catcher := grip.NewBasicCatcher()
	s := &Settings{
		Syslog: SyslogSettings{
			Host: os.Getenv(envSyslogHost),
			Port: envInt(catcher, envSyslogPort),
		},
		TLSSyslog: TLSSyslogSettings{
			Host:    os.Getenv(envTLSSyslogHost),
			Port:    envInt(catcher, envTLSSyslogPort),
			CertDir: os.Getenv(envTLSSyslogDir),
		},
		MailAPI: MailAPISettings{
			APIKey: os.Getenv(envMailAPIKey),
			From:   os.Getenv(envMailFrom),
			To:     envList(envMailTo),
			URL:    os.Getenv(envMailAPIURL),
		},
		SMTP: SMTPSettings{
			Host:       os.Getenv(envSMTPHost),
			Port:       envInt(catcher, envSMTPPort),
			Username:   os.Getenv(envSMTPUser),
			Password:   os.Getenv(envSMTPPassword),
			UseSSL:     envBool(catcher, envSMTPSSL),
			From:       os.Getenv(envMailFrom),
			Recipients: envList(envMailTo),
		},
		Notify: NotifySettings{
			TopicARN: os.Getenv(envNotifyTopicARN),
		},
		ExtraLoggers: envList(envExtraLoggers),
		Diagnose:     envBool(catcher, envEnableDiagnose),
		LogDir:       os.Getenv(envLogDir),
	}
	if s.LogDir == "" {
		s.LogDir = os.TempDir()
	}

	catcher.Add(s.Validate())
	if catcher.HasErrors() {
		return nil, catcher.Resolve()
	}
	return s, nil
}

func envList(name string) []string {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	return utility.SplitCommas([]string{val})
}

func envInt(catcher grip.Catcher, name string) int {
	val := os.Getenv(name)
	if val == "" {
		return 0
	}
	out, err := strconv.Atoi(val)
	catcher.Add(errors.Wrapf(err, "parsing %s", name))
	return out
}

func envBool(catcher grip.Catcher, name string) bool {
	val := os.Getenv(name)
	if val == "" {
		return false
	}
	out, err := strconv.ParseBool(val)
	catcher.Add(errors.Wrapf(err, "parsing %s", name))
	return out
}
