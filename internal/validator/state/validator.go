package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	appstate "github.com/YoshitsuguKoike/paracle/internal/app/state"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/codec"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/file"
	"github.com/YoshitsuguKoike/paracle/internal/validator/common"
)

// knownKeys are the top-level keys of a state document
var knownKeys = []string{"revision", "phase", "progress", "updated_at", "metadata"}

// ValidateStateFile validates a state file in any supported format
func ValidateStateFile(fs afero.Fs, filePath string) (*common.ValidationResult, error) {
	result := common.NewValidationResult()

	c, err := codec.ForPath(filePath)
	if err != nil {
		result.AddFileResult(common.FileResult{
			File:   filePath,
			Issues: []common.ValidationIssue{{Type: common.SeverityError, Message: err.Error()}},
		})
		return result, nil
	}

	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Never saved; the store reports defaults
			result.AddFileResult(common.FileResult{
				File:   filePath,
				Issues: []common.ValidationIssue{{Type: common.SeverityWarn, Message: "file not found"}},
			})
			return result, nil
		}
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	var stateData map[string]interface{}
	if err := c.Unmarshal(data, &stateData); err != nil {
		result.AddFileResult(common.FileResult{
			File: filePath,
			Issues: []common.ValidationIssue{{
				Type:    common.SeverityError,
				Message: fmt.Sprintf("invalid %s: %v", strings.ToUpper(c.Name()), err),
			}},
		})
		return result, nil
	}

	issues := validateStateSchema(stateData)
	issues = append(issues, orphanedTempFiles(fs, filePath)...)
	result.AddFileResult(common.FileResult{File: filePath, Issues: issues})

	return result, nil
}

// validateStateSchema validates the state document schema
func validateStateSchema(data map[string]interface{}) []common.ValidationIssue {
	var issues []common.ValidationIssue

	common.ValidateRequiredKeys(data, []string{"revision", "phase"}, &issues)
	common.WarnUnknownKeys(data, knownKeys, &issues)

	if revision, exists := data["revision"]; exists {
		minValue := 0
		common.ValidateIntValue(revision, "revision", &minValue, &issues)
	}

	if phase, exists := data["phase"]; exists {
		before := len(issues)
		common.ValidateNonEmptyString(phase, "phase", &issues)
		if len(issues) == before {
			common.ValidateEnumValue(phase, "phase", appstate.KnownPhases, common.SeverityWarn, &issues)
		}
	}

	if progress, exists := data["progress"]; exists {
		common.ValidateNumberRange(progress, "progress", 0, 100, &issues)
	}

	if updatedAt, exists := data["updated_at"]; exists {
		switch ts := updatedAt.(type) {
		case string:
			common.ValidateRFC3339NanoUTC(ts, "updated_at", &issues)
		case time.Time:
			// YAML resolves unquoted timestamps itself
			if ts.Location() != time.UTC {
				issues = append(issues, common.ValidationIssue{
					Type:    common.SeverityError,
					Field:   "updated_at",
					Message: "not RFC3339Nano UTC Z",
				})
			}
		default:
			issues = append(issues, common.ValidationIssue{
				Type:    common.SeverityError,
				Field:   "updated_at",
				Message: "must be a string",
			})
		}
	} else if rev, ok := common.AsNumber(data["revision"]); ok && rev > 0 {
		issues = append(issues, common.ValidationIssue{
			Type:    common.SeverityWarn,
			Field:   "updated_at",
			Message: "missing updated_at on a saved record",
		})
	}

	if metadata, exists := data["metadata"]; exists && metadata != nil {
		m, ok := metadata.(map[string]interface{})
		if !ok {
			issues = append(issues, common.ValidationIssue{
				Type:    common.SeverityError,
				Field:   "metadata",
				Message: "must be a mapping",
			})
		} else {
			for k := range m {
				if strings.TrimSpace(k) == "" {
					issues = append(issues, common.ValidationIssue{
						Type:    common.SeverityError,
						Field:   "metadata",
						Message: "empty metadata key",
					})
				}
			}
		}
	}

	return issues
}

// orphanedTempFiles reports temp files left by interrupted writes
func orphanedTempFiles(fs afero.Fs, filePath string) []common.ValidationIssue {
	entries, err := afero.ReadDir(fs, filepath.Dir(filePath))
	if err != nil {
		return nil
	}
	var issues []common.ValidationIssue
	for _, e := range entries {
		if e.IsDir() || !file.IsTempFile(e.Name(), filePath) {
			continue
		}
		issues = append(issues, common.ValidationIssue{
			Type:    common.SeverityWarn,
			Message: fmt.Sprintf("orphaned temp file %s (run 'paracle state sweep')", e.Name()),
		})
	}
	return issues
}
