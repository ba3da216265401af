package pipeline

import (
	"errors"
	"fmt"
)

// ErrCyclicDependency is returned when instance dependencies form a cycle.
var ErrCyclicDependency = errors.New("cyclic dependency detected")

// Node is one vertex of the instance graph.
type Node struct {
	ID         string
	Instance   *Instance // nil for join nodes
	DependsOn  []*Node
	Dependents []*Node
	InDegree   int

	// IsJoin marks the virtual barrier collecting every instance of Job.
	IsJoin bool
	Job    string
}

// DAG is the instance dependency graph of a plan. Every job with instances
// gets a join node; dependents of a job hang off its join.
type DAG struct {
	Nodes     map[string]*Node
	RootNodes []*Node
	Order     []*Node
}

func joinID(job string) string {
	return job + ".join"
}

// BuildDAG builds the graph for a plan and checks it for cycles.
func BuildDAG(plan *Plan) (*DAG, error) {
	d := &DAG{Nodes: make(map[string]*Node, len(plan.Instances)+len(plan.Jobs))}

	for _, in := range plan.Instances {
		if _, dup := d.Nodes[in.ID]; dup {
			return nil, fmt.Errorf("duplicate instance %q", in.ID)
		}
		d.Nodes[in.ID] = &Node{ID: in.ID, Instance: in, Job: in.Job}
	}
	for _, jp := range plan.Jobs {
		join := &Node{ID: joinID(jp.Name), IsJoin: true, Job: jp.Name}
		d.Nodes[join.ID] = join
		for _, id := range jp.Instances {
			d.addEdge(d.Nodes[id], join)
		}
	}

	for _, in := range plan.Instances {
		node := d.Nodes[in.ID]
		for _, job := range in.NeedsJobs {
			join, ok := d.Nodes[joinID(job)]
			if !ok {
				return nil, fmt.Errorf("instance %q depends on unknown job %q", in.ID, job)
			}
			d.addEdge(join, node)
		}
	}

	// Roots and order follow plan order so scheduling is deterministic.
	for _, in := range plan.Instances {
		if n := d.Nodes[in.ID]; n.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, n)
		}
	}
	for _, jp := range plan.Jobs {
		if n := d.Nodes[joinID(jp.Name)]; n.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, n)
		}
	}

	order, err := d.topologicalSort()
	if err != nil {
		return nil, err
	}
	d.Order = order
	return d, nil
}

// addEdge links from -> to, ignoring duplicates so InDegree stays exact.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// topologicalSort runs Kahn's algorithm over a copy of the in-degrees.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

// Ready returns instance nodes whose dependencies are all done and that are
// neither done nor running, in topological order. Join nodes are marked done
// in place once every instance they collect is done.
func (d *DAG) Ready(done, running map[string]bool) []*Node {
	var ready []*Node
	for _, node := range d.Order {
		if done[node.ID] || running[node.ID] {
			continue
		}
		if !d.depsDone(node, done) {
			continue
		}
		if node.IsJoin {
			done[node.ID] = true
			continue
		}
		ready = append(ready, node)
	}
	return ready
}

func (d *DAG) depsDone(node *Node, done map[string]bool) bool {
	for _, dep := range node.DependsOn {
		if !done[dep.ID] {
			return false
		}
	}
	return true
}

// Upstream returns the instance nodes a node waits on, looking through joins.
func (d *DAG) Upstream(id string) []*Node {
	node, ok := d.Nodes[id]
	if !ok {
		return nil
	}
	var out []*Node
	for _, dep := range node.DependsOn {
		if dep.IsJoin {
			out = append(out, dep.DependsOn...)
			continue
		}
		out = append(out, dep)
	}
	return out
}

// IsComplete reports whether every instance node is done.
func (d *DAG) IsComplete(done map[string]bool) bool {
	for _, node := range d.Nodes {
		if !node.IsJoin && !done[node.ID] {
			return false
		}
	}
	return true
}
