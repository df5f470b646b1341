package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/determined-ai/fleetsched/internal/scheduler"
)

// EC2 error codes with special meaning to the scheduler.
// See https://docs.aws.amazon.com/AWSEC2/latest/APIReference/errors-overview.html.
const (
	codeIncorrectInstanceState = "IncorrectInstanceState"
	codeDryRunOperation        = "DryRunOperation"
)

// Config configures EC2 access for one region.
type Config struct {
	Region     string
	Endpoint   string
	MaxRetries int
	DryRun     bool
	// APIRateLimit is the sustained number of EC2 calls per second; 0 disables limiting.
	APIRateLimit float64
	APIBurst     int
}

// Provider drives EC2 instances in a single region. Instances are identified by their
// instance IDs.
type Provider struct {
	config  Config
	client  ec2iface.EC2API
	limiter *rate.Limiter
	syslog  *logrus.Entry
}

// The following AWS session is created from the default credential chain. The identity
// needs the following permissions on any resource:
//
//	"ec2:DescribeInstances",
//	"ec2:DescribeTags",
//	"ec2:StartInstances",
//	"ec2:StopInstances".
func newSession(config Config) (*session.Session, error) {
	awsConfig := &aws.Config{}
	if config.Region != "" {
		awsConfig.Region = aws.String(config.Region)
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}
	if config.MaxRetries > 0 {
		awsConfig.MaxRetries = aws.Int(config.MaxRetries)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return sess, nil
}

// New creates a Provider for config.Region.
func New(config Config) (*Provider, error) {
	if config.Region == "" {
		return nil, errors.New("no region configured")
	}
	sess, err := newSession(config)
	if err != nil {
		return nil, err
	}
	return newWithClient(config, ec2.New(sess)), nil
}

func newWithClient(config Config, client ec2iface.EC2API) *Provider {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.APIRateLimit > 0 {
		burst := config.APIBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.APIRateLimit), burst)
	}
	return &Provider{
		config:  config,
		client:  client,
		limiter: limiter,
		syslog:  logrus.WithField("aws-region", config.Region),
	}
}

// Factory returns a scheduler.ProviderFactory that creates a Provider per invocation, using
// base for everything but the region.
func Factory(base Config) scheduler.ProviderFactory {
	return func(ctx context.Context, region string) (scheduler.Provider, error) {
		config := base
		config.Region = region
		p, err := New(config)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// AmbientRegion returns the region of the EC2 instance this process runs on, using the
// instance metadata service.
func AmbientRegion(ctx context.Context) (string, error) {
	sess, err := newSession(Config{})
	if err != nil {
		return "", err
	}
	client := ec2metadata.New(sess)
	if !client.AvailableWithContext(ctx) {
		return "", errors.New("EC2 instance metadata is not available")
	}
	region, err := client.RegionWithContext(ctx)
	if err != nil {
		return "", errors.Wrap(err, "cannot read region from EC2 instance metadata")
	}
	return region, nil
}

// ListInstances returns the IDs of all instances matching predicate, across all pages.
func (p *Provider) ListInstances(
	ctx context.Context, predicate scheduler.TagPredicate,
) ([]scheduler.InstanceRef, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String(fmt.Sprintf("tag:%s", predicate.TagName)),
				Values: aws.StringSlice(predicate.TagValues),
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []*string{aws.String(string(predicate.State))},
			},
		},
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var ids []scheduler.InstanceRef
	var waitErr error
	err := p.client.DescribeInstancesPagesWithContext(ctx, input,
		func(page *ec2.DescribeInstancesOutput, lastPage bool) bool {
			for _, rsv := range page.Reservations {
				for _, inst := range rsv.Instances {
					if inst.InstanceId != nil {
						ids = append(ids, scheduler.InstanceRef(*inst.InstanceId))
					}
				}
			}
			if lastPage {
				return false
			}
			// The next page is its own API call.
			waitErr = p.limiter.Wait(ctx)
			return waitErr == nil
		})
	if err == nil {
		err = waitErr
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot describe EC2 instances")
	}
	p.syslog.Debugf("found %d EC2 instances matching %s", len(ids), predicate)
	return ids, nil
}

// StopInstance stops a single instance.
func (p *Provider) StopInstance(ctx context.Context, id scheduler.InstanceRef) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	out, err := p.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		DryRun:      aws.Bool(p.config.DryRun),
		InstanceIds: []*string{aws.String(string(id))},
	})
	if err != nil {
		return p.commandError(ctx, err, "stop", id, ec2.InstanceStateNameStopped)
	}
	return alreadyIn(out.StoppingInstances, ec2.InstanceStateNameStopped)
}

// StartInstance starts a single instance.
func (p *Provider) StartInstance(ctx context.Context, id scheduler.InstanceRef) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	out, err := p.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		DryRun:      aws.Bool(p.config.DryRun),
		InstanceIds: []*string{aws.String(string(id))},
	})
	if err != nil {
		return p.commandError(ctx, err, "start", id, ec2.InstanceStateNameRunning)
	}
	return alreadyIn(out.StartingInstances, ec2.InstanceStateNameRunning)
}

// commandError maps a failed stop or start. EC2 answers IncorrectInstanceState both when the
// instance is already in target and when it is in a state it cannot leave yet (e.g. start
// while stopping), so the current state decides which one it is.
func (p *Provider) commandError(
	ctx context.Context, err error, verb string, id scheduler.InstanceRef, target string,
) error {
	if aErr, ok := err.(awserr.Error); ok {
		switch aErr.Code() {
		case codeDryRunOperation:
			p.syslog.Infof("dry run: would %s %s", verb, id)
			return nil
		case codeIncorrectInstanceState:
			state, sErr := p.currentState(ctx, id)
			switch {
			case sErr != nil:
				p.syslog.WithError(sErr).Warnf("cannot confirm state of %s", id)
			case state == target:
				return errors.Wrap(scheduler.ErrAlreadyInState, aErr.Message())
			default:
				return errors.Wrapf(err, "cannot %s EC2 instance while it is %s", verb, state)
			}
		}
	}
	return errors.Wrapf(err, "cannot %s EC2 instance", verb)
}

// currentState returns the instance-state-name of a single instance.
func (p *Provider) currentState(ctx context.Context, id scheduler.InstanceRef) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	out, err := p.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(string(id))},
	})
	if err != nil {
		return "", errors.Wrap(err, "cannot describe EC2 instance")
	}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			if inst.State != nil && inst.State.Name != nil {
				return *inst.State.Name, nil
			}
		}
	}
	return "", errors.Errorf("EC2 instance %s not found", id)
}

// alreadyIn reports ErrAlreadyInState when EC2 says the instance was in target before the
// call.
func alreadyIn(changes []*ec2.InstanceStateChange, target string) error {
	for _, change := range changes {
		if change.PreviousState != nil && aws.StringValue(change.PreviousState.Name) == target {
			return scheduler.ErrAlreadyInState
		}
	}
	return nil
}
