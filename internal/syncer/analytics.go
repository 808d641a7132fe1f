package syncer

import (
	"pmdash/internal/entities"
)

// analytics is the full_sync analytics phase.
func (r *run) analytics() error {
	return r.assignTasks()
}

// assignTasks gives each task the feature of its own primary task_feature
// link, falling back to the primary document_feature link of its source
// document, and recomputes feature rollups.
func (r *run) assignTasks() error {
	pid := r.projectID()
	tasks, err := r.entities.ListTasks(pid)
	if err != nil {
		return err
	}
	all, err := r.links.ListAll(pid)
	if err != nil {
		return err
	}

	primary := make(map[entities.Ref]string)
	for _, l := range all {
		if l.IsPrimary && l.TargetKind == entities.KindFeature {
			primary[l.Source()] = l.TargetID
		}
	}

	assignments := make(map[string]string, len(tasks))
	rollups := make(map[string]entities.Rollup)
	for _, t := range tasks {
		featureID := primary[entities.Ref{Kind: entities.KindTask, ID: t.Key()}]
		if featureID == "" {
			featureID = primary[entities.Ref{Kind: entities.KindDocument, ID: t.SourcePath}]
		}
		assignments[t.Key()] = featureID
		if featureID == "" {
			continue
		}
		roll := rollups[featureID]
		roll.Total++
		if t.IsDone() {
			roll.Done++
		}
		rollups[featureID] = roll
	}

	if err := r.entities.SaveAnalytics(pid, assignments, rollups); err != nil {
		return err
	}
	r.logger.Info("Task analytics updated", "tasks", len(tasks), "features", len(rollups))
	return nil
}
