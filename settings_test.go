package logpipe

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv(envSyslogHost, "logs.example.com")
	t.Setenv(envSyslogPort, "514")
	t.Setenv(envTLSSyslogHost, "tls-logs.example.com")
	t.Setenv(envTLSSyslogPort, "6514")
	t.Setenv(envTLSSyslogDir, "/etc/logpipe/certs")
	t.Setenv(envMailAPIKey, "api-key")
	t.Setenv(envMailFrom, "alerts@example.com")
	t.Setenv(envMailTo, "ops@example.com,dev@example.com")
	t.Setenv(envNotifyTopicARN, "arn:aws:sns:us-east-1:123456789012:log-events")
	t.Setenv(envExtraLoggers, "worker,scheduler")
	t.Setenv(envEnableDiagnose, "true")
	t.Setenv(envLogDir, "/var/log/app")

	s, err := SettingsFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "logs.example.com", s.Syslog.Host)
	assert.Equal(t, 514, s.Syslog.Port)
	assert.True(t, s.Syslog.Configured())

	assert.Equal(t, "/etc/logpipe/certs", s.TLSSyslog.CertDir)
	assert.True(t, s.TLSSyslog.Configured())

	assert.Equal(t, "api-key", s.MailAPI.APIKey)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, s.MailAPI.To)
	assert.True(t, s.MailAPI.Configured())

	assert.True(t, s.Notify.Configured())
	assert.Equal(t, []string{"worker", "scheduler"}, s.ExtraLoggers)
	assert.True(t, s.Diagnose)
	assert.Equal(t, "/var/log/app", s.LogDir)
}

func TestSettingsFromEnvDefaults(t *testing.T) {
	for _, name := range []string{
		envSyslogHost, envSyslogPort, envTLSSyslogHost, envTLSSyslogPort,
		envTLSSyslogDir, envMailAPIKey, envMailFrom, envMailTo,
		envNotifyTopicARN, envExtraLoggers, envEnableDiagnose, envLogDir,
	} {
		t.Setenv(name, "")
	}

	s, err := SettingsFromEnv()
	require.NoError(t, err)

	assert.False(t, s.Syslog.Configured())
	assert.False(t, s.TLSSyslog.Configured())
	assert.False(t, s.MailAPI.Configured())
	assert.False(t, s.SMTP.Configured())
	assert.False(t, s.Notify.Configured())
	assert.Empty(t, s.ExtraLoggers)
	assert.False(t, s.Diagnose)
	assert.Equal(t, os.TempDir(), s.LogDir)
}

func TestSettingsFromEnvMalformedValues(t *testing.T) {
	t.Setenv(envSyslogHost, "logs.example.com")
	t.Setenv(envSyslogPort, "not-a-number")

	_, err := SettingsFromEnv()
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	for name, test := range map[string]struct {
		settings Settings
		valid    bool
	}{
		"Empty": {valid: true},
		"SyslogHostWithoutPort": {
			settings: Settings{Syslog: SyslogSettings{Host: "logs.example.com"}},
		},
		"TLSWithoutCertDir": {
			settings: Settings{TLSSyslog: TLSSyslogSettings{Host: "logs.example.com", Port: 6514}},
		},
		"SMTPSSLConflict": {
			settings: Settings{SMTP: SMTPSettings{UseSSL: true, UseStartTLS: true}},
		},
		"FullyConfigured": {
			settings: Settings{
				Syslog:    SyslogSettings{Host: "logs.example.com", Port: 514},
				TLSSyslog: TLSSyslogSettings{Host: "logs.example.com", Port: 6514, CertDir: "/certs"},
			},
			valid: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := test.settings.Validate()
			if test.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
