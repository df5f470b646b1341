package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of transition commands in flight at once within a phase.
const DefaultConcurrency = 8

// Observer receives every completed summary, e.g. to record metrics.
type Observer interface {
	Observe(summary *InvocationSummary)
}

// Options configures a FleetScheduler.
type Options struct {
	// AmbientRegion is used when a request does not name a region.
	AmbientRegion string
	// Defaults fill fields missing from invocation payloads.
	Defaults Defaults
	// Concurrency bounds in-flight commands per phase. Values below 1 mean DefaultConcurrency.
	Concurrency int
	// DryRun is reported in summaries; the provider is responsible for not acting.
	DryRun bool
	// StrictPayload rejects payloads carrying fields ParseRequest does not recognize.
	StrictPayload bool
	Observers     []Observer
	Log       *logrus.Entry
}

// FleetScheduler stops the running and starts the stopped instances that match a tag
// predicate.
type FleetScheduler struct {
	factory ProviderFactory
	opts    Options
	syslog  *logrus.Entry
	now     func() time.Time
}

// New creates a FleetScheduler that acquires a provider from factory on every invocation.
func New(factory ProviderFactory, opts Options) *FleetScheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	syslog := opts.Log
	if syslog == nil {
		syslog = logrus.WithField("component", "fleet-scheduler")
	}
	return &FleetScheduler{
		factory: factory,
		opts:    opts,
		syslog:  syslog,
		now:     time.Now,
	}
}

// Invoke parses a raw trigger payload and runs it. Malformed payloads fail with a
// *ConfigurationError before the provider is contacted. Unrecognized fields are logged and
// skipped unless StrictPayload is set.
func (s *FleetScheduler) Invoke(
	ctx context.Context, invocationID string, payload json.RawMessage,
) (*InvocationSummary, error) {
	syslog := s.syslog.WithField("invocation-id", invocationID)
	req, err := ParseRequest(payload, s.opts.Defaults)
	if err == nil && s.opts.StrictPayload {
		err = req.Strict()
	}
	if err != nil {
		syslog.WithError(err).Error("rejecting invocation")
		return nil, err
	}
	for _, field := range req.Ignored {
		if meant, ok := meantField(field); ok {
			syslog.Warnf("ignoring payload field %q, did you mean %q?", field, meant)
		} else {
			syslog.Warnf("ignoring payload field %q", field)
		}
	}
	return s.Run(ctx, invocationID, req)
}

// Run performs one invocation. The returned error is non-nil only for a *ConfigurationError;
// provider failures are reported in the summary.
func (s *FleetScheduler) Run(
	ctx context.Context, invocationID string, req InvocationRequest,
) (*InvocationSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	region := req.Region
	if region == "" {
		region = s.opts.AmbientRegion
	}
	if region == "" {
		return nil, configErrorf(fieldRegion, "not given and no ambient region is configured")
	}
	if invocationID == "" {
		invocationID = uuid.New().String()
	}

	start := s.now()
	summary := &InvocationSummary{
		InvocationID: invocationID,
		Region:       region,
		TagName:      req.TagName,
		TagValues:    append([]string{}, req.TagValues...),
		DryRun:       s.opts.DryRun,
		StartTime:    start,
	}
	syslog := s.syslog.WithFields(logrus.Fields{
		"invocation-id": invocationID,
		"region":        region,
	})
	syslog.Infof("tags: name=%s, values=%v", req.TagName, req.TagValues)

	acc := &accumulator{}
	s.runPhases(ctx, syslog, region, req, summary, acc)
	acc.fill(summary)
	summary.Duration = s.now().Sub(start)

	syslog.WithFields(logrus.Fields{
		"stopped": summary.Stopped,
		"started": summary.Started,
		"failed":  summary.Failed,
	}).Infof("invocation finished in %s: %s", summary.Duration, summary)
	for _, o := range s.opts.Observers {
		o.Observe(summary)
	}
	return summary, nil
}

func (s *FleetScheduler) runPhases(
	ctx context.Context,
	syslog *logrus.Entry,
	region string,
	req InvocationRequest,
	summary *InvocationSummary,
	acc *accumulator,
) {
	if len(req.TagValues) == 0 {
		syslog.Warn("no tag values given, nothing can match")
		return
	}

	provider, err := s.factory(ctx, region)
	if err != nil {
		err = errors.Wrapf(err, "cannot connect to provider in %s", region)
		syslog.WithError(err).Error("cannot acquire provider")
		for _, p := range phases {
			summary.PhaseErrors = append(summary.PhaseErrors, PhaseError{
				Phase: p.phase,
				Err:   &ProviderQueryError{Phase: p.phase, Err: err},
			})
		}
		return
	}
	if closer, ok := provider.(io.Closer); ok {
		defer func() {
			if cErr := closer.Close(); cErr != nil {
				syslog.WithError(cErr).Warn("cannot release provider")
			}
		}()
	}

	// Both listings are taken before any command is issued so that instances stopped by the
	// first phase are not seen as stopped by the second.
	snapshots := make([][]InstanceRef, len(phases))
	for i, p := range phases {
		predicate := TagPredicate{TagName: req.TagName, TagValues: req.TagValues, State: p.state}
		ids, err := provider.ListInstances(ctx, predicate)
		if err != nil {
			qErr := &ProviderQueryError{Phase: p.phase, Err: err}
			syslog.WithField("phase", p.phase).WithError(err).Errorf("cannot list %s", predicate)
			summary.PhaseErrors = append(summary.PhaseErrors, PhaseError{Phase: p.phase, Err: qErr})
			continue
		}
		snapshots[i] = dedupe(ids)
		syslog.WithField("phase", p.phase).Debugf("%d instances match %s", len(ids), predicate)
	}

	for i, p := range phases {
		if summary.PhaseError(p.phase) != nil {
			continue
		}
		s.dispatch(ctx, syslog.WithField("phase", p.phase), provider, p.action, snapshots[i], acc)
	}
}

// dispatch issues action to every instance in ids on a bounded pool. Each command succeeds or
// fails on its own.
func (s *FleetScheduler) dispatch(
	ctx context.Context,
	syslog *logrus.Entry,
	provider Provider,
	action Action,
	ids []InstanceRef,
	acc *accumulator,
) {
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			acc.add(s.transition(ctx, syslog, provider, action, id))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *FleetScheduler) transition(
	ctx context.Context,
	syslog *logrus.Entry,
	provider Provider,
	action Action,
	id InstanceRef,
) (outcome TransitionOutcome) {
	outcome = TransitionOutcome{Instance: id, Action: action, Result: Succeeded}
	syslog = syslog.WithField("instance", id)

	fail := func(err error) {
		tErr := &ProviderTransitionError{Instance: id, Action: action, Err: err}
		outcome.Result = Failed
		outcome.Reason = err.Error()
		syslog.WithError(tErr).Errorf("failed to %s %s", action, id)
	}
	defer func() {
		if rec := recover(); rec != nil {
			fail(fmt.Errorf("panic: %v", rec))
			syslog.Debugf("%s", debug.Stack())
		}
	}()

	if err := ctx.Err(); err != nil {
		fail(errors.Wrap(err, "not issued"))
		return outcome
	}

	var err error
	switch action {
	case Stop:
		err = provider.StopInstance(ctx, id)
	case Start:
		err = provider.StartInstance(ctx, id)
	default:
		err = errors.Errorf("unknown action %q", action)
	}

	switch {
	case errors.Is(err, ErrAlreadyInState):
		outcome.NoOp = true
		syslog.Infof("%s %s: already in requested state", action, id)
	case err != nil:
		fail(err)
	case action == Stop:
		syslog.Infof("Stopped %s", id)
	default:
		syslog.Infof("Started %s", id)
	}
	return outcome
}

func dedupe(ids []InstanceRef) []InstanceRef {
	seen := make(map[InstanceRef]bool, len(ids))
	out := make([]InstanceRef, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
