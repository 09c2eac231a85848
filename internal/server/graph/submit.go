package graph

import (
	"fmt"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// ValidateSubmit checks a submit batch against the graph without touching
// it. Every error here is a user error: the caller reports it to the client
// and inserts nothing.
func (g *Graph) ValidateSubmit(session *Session, tasks []v1.SubmittedTask, objects []v1.SubmittedObject) error {
	submittedObjects := make(map[v1.ObjectID]*v1.SubmittedObject, len(objects))
	producers := make(map[v1.ObjectID]v1.TaskID)

	for i := range objects {
		o := &objects[i]
		if o.Spec.ID.SessionID != session.ID {
			return fmt.Errorf("object %s submitted into session %d", o.Spec.ID, session.ID)
		}
		if !o.Spec.DataType.Valid() {
			return fmt.Errorf("object %s has invalid data type %q", o.Spec.ID, o.Spec.DataType)
		}
		if _, exists := g.Objects[o.Spec.ID]; exists {
			return fmt.Errorf("object %s already exists", o.Spec.ID)
		}
		if _, dup := submittedObjects[o.Spec.ID]; dup {
			return fmt.Errorf("object %s submitted twice", o.Spec.ID)
		}
		if o.HasData && o.Data == nil {
			o.Data = []byte{}
		}
		submittedObjects[o.Spec.ID] = o
	}

	submittedTasks := make(map[v1.TaskID]*v1.SubmittedTask, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.Spec.ID.SessionID != session.ID {
			return fmt.Errorf("task %s submitted into session %d", t.Spec.ID, session.ID)
		}
		if t.Spec.ID.IsAllTasks() {
			return fmt.Errorf("task id %s is reserved", t.Spec.ID)
		}
		if _, exists := g.Tasks[t.Spec.ID]; exists {
			return fmt.Errorf("task %s already exists", t.Spec.ID)
		}
		if _, dup := submittedTasks[t.Spec.ID]; dup {
			return fmt.Errorf("task %s submitted twice", t.Spec.ID)
		}
		if t.Spec.Resources.CPUs < 0 {
			return fmt.Errorf("task %s requests negative resources", t.Spec.ID)
		}
		submittedTasks[t.Spec.ID] = t

		seen := make(map[v1.ObjectID]bool, len(t.Spec.Outputs))
		for _, outputID := range t.Spec.Outputs {
			if seen[outputID] {
				return fmt.Errorf("task %s lists output %s twice", t.Spec.ID, outputID)
			}
			seen[outputID] = true
			if _, ok := submittedObjects[outputID]; !ok {
				return fmt.Errorf("task %s output %s is not part of the submit", t.Spec.ID, outputID)
			}
			if prev, taken := producers[outputID]; taken {
				return fmt.Errorf("object %s has two producers: %s and %s", outputID, prev, t.Spec.ID)
			}
			producers[outputID] = t.Spec.ID
		}
		for _, input := range t.Spec.Inputs {
			if _, inGraph := g.Objects[input.ID]; inGraph {
				continue
			}
			if _, inSubmit := submittedObjects[input.ID]; !inSubmit {
				return fmt.Errorf("task %s input %s not found", t.Spec.ID, input.ID)
			}
		}
	}

	// Every object carries either inline data or exactly one producer.
	for id, o := range submittedObjects {
		_, hasProducer := producers[id]
		if o.HasData && hasProducer {
			return fmt.Errorf("object %s submitted with both producer %s and %d bytes of data",
				id, producers[id], len(o.Data))
		}
		if !o.HasData && !hasProducer {
			return fmt.Errorf("object %s submitted with neither producer nor data", id)
		}
	}

	return checkAcyclic(submittedTasks, submittedObjects, producers)
}

// checkAcyclic verifies the submitted subgraph has no task->output->consumer
// cycle. Objects already in the graph cannot participate in a cycle: their
// producers were validated by earlier submits.
func checkAcyclic(
	tasks map[v1.TaskID]*v1.SubmittedTask,
	objects map[v1.ObjectID]*v1.SubmittedObject,
	producers map[v1.ObjectID]v1.TaskID,
) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[v1.TaskID]int, len(tasks))

	var visit func(id v1.TaskID) error
	visit = func(id v1.TaskID) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("submitted graph contains a cycle through task %s", id)
		}
		state[id] = visiting
		task := tasks[id]
		for _, input := range task.Spec.Inputs {
			if _, submitted := objects[input.ID]; !submitted {
				continue
			}
			producer, ok := producers[input.ID]
			if !ok {
				continue
			}
			if err := visit(producer); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range tasks {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
