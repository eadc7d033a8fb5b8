package orchestrator

import (
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

// claimTable tracks which agent is working which feature for one project.
// The lookup+insert in Claim is atomic under the table mutex; that is
// enough because the orchestrator is process-local.
type claimTable struct {
	byFeature map[string]int
}

func (o *Orchestrator) claimsFor(projectID string) *claimTable {
	o.claimsMu.Lock()
	defer o.claimsMu.Unlock()
	t, ok := o.claims[projectID]
	if !ok {
		t = &claimTable{byFeature: make(map[string]int)}
		o.claims[projectID] = t
	}
	return t
}

// ClaimFeature atomically selects the first unfinished, unclaimed feature
// and records the claim. Returns nil when no feature is available.
func (o *Orchestrator) ClaimFeature(project *models.Project, agentIndex int) (*models.Feature, error) {
	features, wrapped, err := store.ReadFeatureList(project.ProjectDir)
	if err != nil {
		return nil, err
	}

	t := o.claimsFor(project.ID)

	o.claimsMu.Lock()
	var picked *models.Feature
	for i := range features {
		f := &features[i]
		if f.Passes {
			continue
		}
		if _, claimed := t.byFeature[f.ID]; claimed {
			continue
		}
		t.byFeature[f.ID] = agentIndex
		picked = f
		break
	}
	snapshot := make(map[int]string, len(t.byFeature))
	for fid, idx := range t.byFeature {
		snapshot[idx] = fid
	}
	o.claimsMu.Unlock()

	if picked == nil {
		return nil, nil
	}

	// Best-effort mirrors; the claim entry itself is authoritative.
	picked.InProgress = true
	if err := store.WriteFeatureList(project.ProjectDir, features, wrapped); err != nil {
		o.logger.Warn("failed to mirror in-progress flag to feature list",
			zap.String("project_id", project.ID), zap.Error(err))
	}
	if err := o.store.SaveFeatures(project.ID, features); err != nil {
		o.logger.Warn("failed to update feature cache",
			zap.String("project_id", project.ID), zap.Error(err))
	}
	if err := o.store.SaveClaims(project.ID, snapshot); err != nil {
		o.logger.Warn("failed to persist claim snapshot",
			zap.String("project_id", project.ID), zap.Error(err))
	}

	claimed := *picked
	return &claimed, nil
}

// ReleaseClaim removes the claim for a feature. Idempotent.
func (o *Orchestrator) ReleaseClaim(project *models.Project, featureID string) {
	t := o.claimsFor(project.ID)

	o.claimsMu.Lock()
	delete(t.byFeature, featureID)
	snapshot := make(map[int]string, len(t.byFeature))
	for fid, idx := range t.byFeature {
		snapshot[idx] = fid
	}
	o.claimsMu.Unlock()

	if features, wrapped, err := store.ReadFeatureList(project.ProjectDir); err == nil {
		for i := range features {
			if features[i].ID == featureID && !features[i].Passes {
				features[i].InProgress = false
				if err := store.WriteFeatureList(project.ProjectDir, features, wrapped); err != nil {
					o.logger.Warn("failed to clear in-progress flag",
						zap.String("project_id", project.ID), zap.Error(err))
				}
				break
			}
		}
	}
	if err := o.store.SaveClaims(project.ID, snapshot); err != nil {
		o.logger.Warn("failed to persist claim snapshot",
			zap.String("project_id", project.ID), zap.Error(err))
	}
}

// clearClaims drops every claim for a project.
func (o *Orchestrator) clearClaims(projectID string) {
	o.claimsMu.Lock()
	delete(o.claims, projectID)
	o.claimsMu.Unlock()
	if err := o.store.SaveClaims(projectID, map[int]string{}); err != nil {
		o.logger.Warn("failed to clear claim snapshot",
			zap.String("project_id", projectID), zap.Error(err))
	}
}
