package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type mockInstance struct {
	ID    InstanceRef
	State InstanceState
	Tags  map[string]string
}

type mockFuncCall struct {
	Name       string
	Parameters []interface{}
}

func newMockFuncCall(name string, parameters ...interface{}) mockFuncCall {
	return mockFuncCall{
		Name:       name,
		Parameters: parameters,
	}
}

// mockProvider is an in-memory fleet. It evaluates tag predicates the way EC2 filters do and
// records every call it receives.
type mockProvider struct {
	mu        sync.Mutex
	instances map[InstanceRef]*mockInstance
	history   []mockFuncCall

	// live makes commands change instance state; otherwise the fleet is a fixed snapshot.
	live       bool
	listErr    map[InstanceState]error
	commandErr map[InstanceRef]error
	panicOn    map[InstanceRef]bool
	closed     bool
}

func newMockProvider(instances ...*mockInstance) *mockProvider {
	m := &mockProvider{
		instances:  make(map[InstanceRef]*mockInstance, len(instances)),
		listErr:    map[InstanceState]error{},
		commandErr: map[InstanceRef]error{},
		panicOn:    map[InstanceRef]bool{},
	}
	for _, inst := range instances {
		m.instances[inst.ID] = inst
	}
	return m
}

func (m *mockProvider) factory() ProviderFactory {
	return func(ctx context.Context, region string) (Provider, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.history = append(m.history, newMockFuncCall("connect", region))
		return m, nil
	}
}

func (m *mockProvider) ListInstances(
	ctx context.Context, predicate TagPredicate,
) ([]InstanceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, newMockFuncCall("list", predicate.State))
	if err := m.listErr[predicate.State]; err != nil {
		return nil, err
	}

	var ids []InstanceRef
	for _, inst := range m.instances {
		if inst.State != predicate.State {
			continue
		}
		value, ok := inst.Tags[predicate.TagName]
		if !ok {
			continue
		}
		for _, want := range predicate.TagValues {
			if value == want {
				ids = append(ids, inst.ID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockProvider) StopInstance(ctx context.Context, id InstanceRef) error {
	return m.command("stop", id, Stopped)
}

func (m *mockProvider) StartInstance(ctx context.Context, id InstanceRef) error {
	return m.command("start", id, Running)
}

func (m *mockProvider) command(name string, id InstanceRef, to InstanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, newMockFuncCall(name, id))
	if m.panicOn[id] {
		panic(fmt.Sprintf("boom on %s", id))
	}
	if err := m.commandErr[id]; err != nil {
		return err
	}
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("instance %s does not exist", id)
	}
	if m.live {
		inst.State = to
	}
	return nil
}

func (m *mockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// calls returns the instance ids passed to the named command, sorted.
func (m *mockProvider) calls(name string) []InstanceRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []InstanceRef
	for _, call := range m.history {
		if call.Name == name {
			ids = append(ids, call.Parameters[0].(InstanceRef))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func scheduled(id string, state InstanceState, value string) *mockInstance {
	return &mockInstance{
		ID:    InstanceRef(id),
		State: state,
		Tags:  map[string]string{"Schedule": value},
	}
}
