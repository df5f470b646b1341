package scheduler

import (
	"context"
	"fmt"
	"strings"
)

// InstanceRef is the provider's identifier for a compute instance.
type InstanceRef string

// InstanceState is the provider-side lifecycle state an instance is selected by.
type InstanceState string

const (
	// Running selects instances that are up; they are stopped.
	Running InstanceState = "running"
	// Stopped selects instances that are down; they are started.
	Stopped InstanceState = "stopped"
)

// Action is the transition requested for an instance.
type Action string

const (
	// Stop moves a running instance to stopped.
	Stop Action = "stop"
	// Start moves a stopped instance to running.
	Start Action = "start"
)

// Phase is one of the two sequential passes of an invocation.
type Phase string

const (
	// StopPhase stops the running instances matching the predicate.
	StopPhase Phase = "stop-running"
	// StartPhase starts the stopped instances matching the predicate.
	StartPhase Phase = "start-stopped"
)

// phases lists the phases in execution order.
var phases = []struct {
	phase  Phase
	state  InstanceState
	action Action
}{
	{StopPhase, Running, Stop},
	{StartPhase, Stopped, Start},
}

// TagPredicate selects instances whose tag TagName has one of TagValues and whose state is
// State.
type TagPredicate struct {
	TagName   string
	TagValues []string
	State     InstanceState
}

func (p TagPredicate) String() string {
	return fmt.Sprintf("tag:%s in [%s], state=%s",
		p.TagName, strings.Join(p.TagValues, ", "), p.State)
}

// Provider is the compute fleet API the scheduler drives.
type Provider interface {
	ListInstances(ctx context.Context, predicate TagPredicate) ([]InstanceRef, error)
	StopInstance(ctx context.Context, id InstanceRef) error
	StartInstance(ctx context.Context, id InstanceRef) error
}

// ProviderFactory acquires a provider handle scoped to a single invocation in region. If the
// returned Provider also implements io.Closer it is closed when the invocation ends.
type ProviderFactory func(ctx context.Context, region string) (Provider, error)
