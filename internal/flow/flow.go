// Package flow runs directed acyclic task graphs. Tasks are placed into a
// Graph, ordered with Precede, and executed by a Runner once every
// predecessor has finished.
package flow

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrCycle is returned when a graph's edges form a cycle.
var ErrCycle = errors.New("flow: graph has a cycle")

// Func is the work of one task.
type Func func(ctx context.Context) error

// Graph is a set of tasks and the ordering between them. A Graph is built
// from one goroutine and must not be modified while it runs.
type Graph struct {
	name  string
	nodes []*node
}

type node struct {
	name  string
	work  Func
	sub   *Graph
	succ  []*node
	npred int
}

// Task is a handle to a node of a Graph.
type Task struct {
	n *node
}

// NewGraph returns an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{name: name}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.nodes) }

// Emplace adds a task running fn. A nil fn makes a placeholder whose work
// can be set later with Task.Work.
func (g *Graph) Emplace(name string, fn Func) Task {
	n := &node{name: name, work: fn}
	g.nodes = append(g.nodes, n)
	return Task{n}
}

// Placeholder adds a task with no work yet.
func (g *Graph) Placeholder(name string) Task {
	return g.Emplace(name, nil)
}

// Compose adds a task that runs sub to completion.
func (g *Graph) Compose(name string, sub *Graph) Task {
	t := g.Emplace(name, nil)
	t.n.sub = sub
	return t
}

// Name returns the task name.
func (t Task) Name() string { return t.n.name }

// Valid reports whether t refers to a task.
func (t Task) Valid() bool { return t.n != nil }

// Work sets the function t runs.
func (t Task) Work(fn Func) Task {
	t.n.work = fn
	return t
}

// Precede makes t run before every task in others.
func (t Task) Precede(others ...Task) Task {
	for _, o := range others {
		t.n.succ = append(t.n.succ, o.n)
		o.n.npred++
	}
	return t
}

// Succeed makes t run after every task in others.
func (t Task) Succeed(others ...Task) Task {
	for _, o := range others {
		o.Precede(t)
	}
	return t
}

// NumSuccessors returns the number of tasks t precedes.
func (t Task) NumSuccessors() int { return len(t.n.succ) }

// NumPredecessors returns the number of tasks t waits for.
func (t Task) NumPredecessors() int { return t.n.npred }

// Precedes reports whether o is a direct successor of t.
func (t Task) Precedes(o Task) bool {
	for _, s := range t.n.succ {
		if s == o.n {
			return true
		}
	}
	return false
}

// Validate reports ErrCycle if the graph, or a composed graph, is cyclic.
func (g *Graph) Validate() error {
	if _, err := g.order(); err != nil {
		return err
	}
	for _, n := range g.nodes {
		if n.sub != nil {
			if err := n.sub.Validate(); err != nil {
				return errors.Wrapf(err, "task %q", n.name)
			}
		}
	}
	return nil
}

// order returns the tasks in a topological order.
func (g *Graph) order() ([]*node, error) {
	pending := make(map[*node]int, len(g.nodes))
	var ready []*node
	for _, n := range g.nodes {
		pending[n] = n.npred
		if n.npred == 0 {
			ready = append(ready, n)
		}
	}
	out := make([]*node, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, s := range n.succ {
			pending[s]--
			if pending[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(out) != len(g.nodes) {
		return nil, errors.Wrapf(ErrCycle, "graph %q", g.name)
	}
	return out, nil
}

// Runner executes graphs.
type Runner interface {
	Run(ctx context.Context, g *Graph) error
}

// Executor runs the tasks of a graph on a bounded set of goroutines. The
// zero value uses GOMAXPROCS workers.
type Executor struct {
	Workers int
}

func (e *Executor) workers() int {
	if e == nil || e.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return e.Workers
}

func (e *Executor) exec(ctx context.Context, n *node) error {
	if n.sub != nil {
		if err := e.Run(ctx, n.sub); err != nil {
			return err
		}
	}
	if n.work == nil {
		return nil
	}
	return n.work(ctx)
}

// Run executes g and returns the first task error. Tasks not yet started
// when an error occurs are abandoned.
func (e *Executor) Run(ctx context.Context, g *Graph) error {
	if _, err := g.order(); err != nil {
		return err
	}
	total := len(g.nodes)
	if total == 0 {
		return nil
	}

	pending := make(map[*node]int, total)
	ready := make(chan *node, total)
	for _, n := range g.nodes {
		pending[n] = n.npred
		if n.npred == 0 {
			ready <- n
		}
	}

	// completions are serialised so that successor counts and the final
	// close happen on one goroutine
	done := make(chan *node, total)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < min(e.workers(), total); i++ {
		eg.Go(func() error {
			for {
				select {
				case n, ok := <-ready:
					if !ok {
						return nil
					}
					if err := e.exec(ctx, n); err != nil {
						return errors.Wrapf(err, "task %q", n.name)
					}
					done <- n
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	eg.Go(func() error {
		for finished := 0; finished < total; finished++ {
			select {
			case n := <-done:
				for _, s := range n.succ {
					pending[s]--
					if pending[s] == 0 {
						ready <- s
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		close(ready)
		return nil
	})
	return eg.Wait()
}

// Run executes g with a default Executor.
func Run(ctx context.Context, g *Graph) error {
	return (&Executor{}).Run(ctx, g)
}
