package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/project/models"
)

// FeatureListName is the authoritative feature file inside the project
// working directory. Agents write it; autodev only reads and mirrors
// in-progress flags back.
const FeatureListName = "feature_list.json"

// featureListDoc is the wrapped shape some agents emit.
type featureListDoc struct {
	Features []models.Feature `json:"features"`
}

// ReadFeatureList parses feature_list.json from a project working directory.
// Both a bare array and an object with a "features" key are accepted; the
// returned wrapped flag records which shape was found so writes can preserve
// it. A missing file yields an empty list.
func ReadFeatureList(projectDir string) (features []models.Feature, wrapped bool, err error) {
	data, err := os.ReadFile(filepath.Join(projectDir, FeatureListName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.InternalError("failed to read feature list", err)
	}

	if err := json.Unmarshal(data, &features); err == nil {
		return features, false, nil
	}

	var doc featureListDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, errors.InternalError("feature list is not valid JSON", err)
	}
	return doc.Features, true, nil
}

// WriteFeatureList rewrites feature_list.json in the given shape.
func WriteFeatureList(projectDir string, features []models.Feature, wrapped bool) error {
	var v any = features
	if wrapped {
		v = featureListDoc{Features: features}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.InternalError("failed to marshal feature list", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, FeatureListName), data, 0o644); err != nil {
		return errors.InternalError("failed to write feature list", err)
	}
	return nil
}
