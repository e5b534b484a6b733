package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"

	"github.com/libb-io/logpipe/backend"
)

const (
	// snsMaxSubjectLength is the transport's subject limit; longer
	// derived subjects are truncated, not rejected.
	snsMaxSubjectLength = 100

	defaultSNSTimeout = 10 * time.Second
)

// SNSAPI is the slice of the SNS client the sink uses; the concrete
// client satisfies it, and tests substitute a recorder.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSOptions configure a pub/sub notification sink.
type SNSOptions struct {
	Name     string
	TopicARN string
	Format   send.MessageFormatter
	// Timeout bounds one publish. Defaults to 10s.
	Timeout time.Duration
	// Client overrides the AWS client, for tests.
	Client SNSAPI
}

type snsSender struct {
	opts   SNSOptions
	client SNSAPI
	*send.Base
}

// NewSNS returns a sink publishing each formatted message to the
// configured topic with a subject derived from the event's origin and
// severity. The region is taken from the topic ARN.
func NewSNS(ctx context.Context, opts SNSOptions) (send.Sender, error) {
	if opts.TopicARN == "" {
		return nil, errors.New("sns sink requires a topic arn")
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSNSTimeout
	}
	if opts.Name == "" {
		opts.Name = "sns"
	}

	client := opts.Client
	if client == nil {
		region, err := regionFromARN(opts.TopicARN)
		if err != nil {
			return nil, err
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, errors.Wrap(err, "loading aws configuration")
		}
		client = sns.NewFromConfig(cfg)
	}

	return &snsSender{
		opts:   opts,
		client: client,
		Base:   send.NewBase(opts.Name),
	}, nil
}

// regionFromARN extracts the region segment of a topic ARN
// (arn:aws:sns:REGION:account:topic).
func regionFromARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || parts[3] == "" {
		return "", errors.Errorf("malformed topic arn %q", arn)
	}
	return parts[3], nil
}

func (s *snsSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	body, err := s.opts.Format(m)
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "formatting notification"), m)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.opts.TopicARN),
		Message:  aws.String(body),
		Subject:  aws.String(snsSubject(m)),
	})
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "publishing notification"), m)
	}
}

func (s *snsSender) Flush(_ context.Context) error { return nil }

// snsSubject derives "name:LEVEL" truncated to the transport limit.
func snsSubject(m message.Composer) string {
	name := ""
	if e, ok := m.Raw().(*backend.Event); ok {
		name = e.Name
	}

	subject := fmt.Sprintf("%s:%s", name, strings.ToUpper(m.Priority().String()))
	if r := []rune(subject); len(r) > snsMaxSubjectLength {
		subject = string(r[:snsMaxSubjectLength])
	}
	return subject
}
