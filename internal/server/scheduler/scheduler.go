// Package scheduler decides task and object placement. It is deliberately
// minimal and deterministic: governors and tasks are visited in id order so
// that identical inputs always produce identical placements, which the
// integration tests rely on.
package scheduler

import (
	"sort"

	"github.com/taskmesh/taskmesh/internal/server/graph"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// Result lists what the scheduler changed; the dispatcher turns it into
// assignment messages.
type Result struct {
	Tasks []*graph.Task
	// Objects groups changed objects by the governor whose placement
	// changed.
	Objects map[*graph.Governor][]*graph.DataObject
}

// Scheduler holds no state between runs; placement derives entirely from
// the graph and the update set.
type Scheduler struct{}

func New() *Scheduler { return &Scheduler{} }

// Schedule processes the accumulated updates and plans placements:
//
//   - a Ready (or newly submitted) unscheduled task goes to the governor
//     holding the most input bytes, ties broken by lowest active resources,
//     then by governor id;
//   - a task never exceeds governor capacity, except zero-cpu tasks which
//     fit up to the governor's free-slot limit;
//   - every scheduled task adds its governor to the scheduled sets of its
//     outputs and of its finished inputs; unfinished inputs stay scheduled
//     at their producer only;
//   - failed and removed entities are unscheduled.
func (s *Scheduler) Schedule(g *graph.Graph, in *graph.Updates) *Result {
	result := &Result{Objects: make(map[*graph.Governor][]*graph.DataObject)}
	if len(g.Governors) == 0 {
		return result
	}

	governors := sortedGovernors(g)
	scheduledCPUs := make(map[*graph.Governor]int, len(governors))
	zeroCPUTasks := make(map[*graph.Governor]int, len(governors))
	for _, w := range governors {
		for _, t := range w.ScheduledTasks {
			if t.State == v1.TaskStateFinished || t.State == v1.TaskStateFailed {
				continue
			}
			scheduledCPUs[w] += t.Spec.Resources.CPUs
			if t.Spec.Resources.CPUs == 0 {
				zeroCPUTasks[w]++
			}
		}
	}

	for _, t := range candidateTasks(in) {
		if t.Scheduled != nil || t.State == v1.TaskStateFinished || t.State == v1.TaskStateFailed {
			continue
		}
		w := pickGovernor(governors, t, scheduledCPUs, zeroCPUTasks)
		if w == nil {
			continue
		}
		scheduleTask(t, w, result)
		scheduledCPUs[w] += t.Spec.Resources.CPUs
		if t.Spec.Resources.CPUs == 0 {
			zeroCPUTasks[w]++
		}
	}

	for _, o := range updatedObjects(in) {
		reconcileObjectSchedule(o, result)
	}

	return result
}

func sortedGovernors(g *graph.Graph) []*graph.Governor {
	governors := make([]*graph.Governor, 0, len(g.Governors))
	for _, w := range g.Governors {
		governors = append(governors, w)
	}
	sort.Slice(governors, func(i, j int) bool {
		return governors[i].ID < governors[j].ID
	})
	return governors
}

func candidateTasks(in *graph.Updates) []*graph.Task {
	seen := make(map[v1.TaskID]*graph.Task, len(in.NewTasks)+len(in.Tasks))
	for id, t := range in.NewTasks {
		seen[id] = t
	}
	for id, t := range in.Tasks {
		seen[id] = t
	}
	tasks := make([]*graph.Task, 0, len(seen))
	for _, t := range seen {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ID().Less(tasks[j].ID())
	})
	return tasks
}

func updatedObjects(in *graph.Updates) []*graph.DataObject {
	seen := make(map[v1.ObjectID]*graph.DataObject, len(in.NewObjects))
	for id, o := range in.NewObjects {
		seen[id] = o
	}
	ids := make([]v1.ObjectID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	objects := make([]*graph.DataObject, 0, len(ids))
	for _, id := range ids {
		objects = append(objects, seen[id])
	}
	return objects
}

// pickGovernor chooses the placement for one task: the governor already
// holding the most input bytes wins, then the least loaded, then the lowest
// id. Governors without capacity are skipped.
func pickGovernor(
	governors []*graph.Governor,
	t *graph.Task,
	scheduledCPUs map[*graph.Governor]int,
	zeroCPUTasks map[*graph.Governor]int,
) *graph.Governor {
	var best *graph.Governor
	var bestBytes int64 = -1

	for _, w := range governors {
		cpus := t.Spec.Resources.CPUs
		if cpus > 0 {
			if scheduledCPUs[w]+cpus > w.Resources.CPUs {
				continue
			}
		} else if zeroCPUTasks[w] >= w.FreeSlotsLimit() {
			continue
		}

		var located int64
		for _, o := range t.Inputs {
			if _, ok := o.Located[w.ID]; ok && o.Info.Size != nil {
				located += *o.Info.Size
			}
		}
		if located > bestBytes ||
			(located == bestBytes && best != nil && w.ActiveResources < best.ActiveResources) {
			best = w
			bestBytes = located
		}
	}
	return best
}

func scheduleTask(t *graph.Task, w *graph.Governor, result *Result) {
	t.Scheduled = w
	w.ScheduledTasks[t.ID()] = t
	w.ActiveResources += t.Spec.Resources.CPUs
	result.Tasks = append(result.Tasks, t)

	// Only finished inputs are scheduled onto the consumer's governor (it
	// will host a replica). Unfinished inputs stay scheduled at their
	// producer only; the governor pulls them peer-to-peer at assignment.
	for _, o := range t.Inputs {
		if o.State != v1.ObjectStateFinished {
			continue
		}
		if _, ok := o.Scheduled[w.ID]; !ok {
			o.Scheduled[w.ID] = w
			w.ScheduledObjects[o.ID()] = o
			result.Objects[w] = append(result.Objects[w], o)
		}
	}
	for _, o := range t.Outputs {
		if _, ok := o.Scheduled[w.ID]; !ok {
			o.Scheduled[w.ID] = w
			w.ScheduledObjects[o.ID()] = o
			result.Objects[w] = append(result.Objects[w], o)
		}
	}
}

func unscheduleObject(o *graph.DataObject, w *graph.Governor, result *Result) {
	delete(o.Scheduled, w.ID)
	delete(w.ScheduledObjects, o.ID())
	result.Objects[w] = append(result.Objects[w], o)
}

// reconcileObjectSchedule recomputes an object's scheduled set from its
// consumers and producer.
func reconcileObjectSchedule(o *graph.DataObject, result *Result) {
	if o.State == v1.ObjectStateRemoved {
		for _, w := range o.Scheduled {
			unscheduleObject(o, w, result)
		}
		return
	}
	needed := make(map[v1.GovernorID]*graph.Governor)
	if o.Producer != nil && o.Producer.Scheduled != nil {
		needed[o.Producer.Scheduled.ID] = o.Producer.Scheduled
	}
	// Consumers' governors host replicas of finished objects only; an
	// unfinished object lives solely at its future producer.
	if o.State == v1.ObjectStateFinished {
		for _, t := range o.Consumers {
			if t.Scheduled != nil {
				needed[t.Scheduled.ID] = t.Scheduled
			}
		}
	}
	for id, w := range needed {
		if _, ok := o.Scheduled[id]; !ok {
			o.Scheduled[id] = w
			w.ScheduledObjects[o.ID()] = o
			result.Objects[w] = append(result.Objects[w], o)
		}
	}
}
