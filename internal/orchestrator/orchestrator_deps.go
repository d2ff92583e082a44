package orchestrator

import (
	"context"
	"sync"

	"stackctl/internal/config"
	"stackctl/internal/dependency"
	"stackctl/internal/services"
)

// BuildGraph turns a stack into its dependency graph.
func BuildGraph(stack config.StackDefinition) (*dependency.Graph, error) {
	nodes := make([]dependency.Node, 0, len(stack.Services))
	for _, svc := range stack.Services {
		kind := dependency.KindProcess
		if svc.IsContainer() {
			kind = dependency.KindContainer
		}
		deps := make([]dependency.NodeID, 0, len(svc.DependsOn))
		for _, d := range svc.DependsOn {
			deps = append(deps, dependency.NodeID(d))
		}
		nodes = append(nodes, dependency.Node{
			ID:           dependency.NodeID(svc.Name),
			FriendlyName: svc.Name,
			Kind:         kind,
			DependsOn:    deps,
		})
	}
	return dependency.Build(nodes)
}

// notifier wakes every waiter when any service changes state.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// awaitDependencies blocks until every dependency of name is Running, or
// has completed cleanly. A dependency that ended for any other reason is a
// DependencyFailedError.
func (o *Orchestrator) awaitDependencies(ctx context.Context, name string) error {
	deps := o.graph.Dependencies(dependency.NodeID(name))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed := o.notify.wait()

		ready := true
		for _, dep := range deps {
			sup, _ := o.registry.Get(string(dep))
			switch {
			case sup.State() == services.StateRunning:
			case isDone(sup):
				if sup.Err() != nil || sup.State() != services.StateStopped {
					return &DependencyFailedError{Service: name, Dependency: string(dep)}
				}
			default:
				ready = false
			}
		}
		if ready {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isDone(sup *services.Supervisor) bool {
	select {
	case <-sup.Done():
		return true
	default:
		return false
	}
}
