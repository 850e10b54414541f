package common

import "time"

// Issue severities
const (
	SeverityOK    = "ok"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// ValidationIssue represents a single validation issue
type ValidationIssue struct {
	Type    string `json:"type"` // "ok", "warn", "error"
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// FileResult represents validation result for a single file
type FileResult struct {
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues"`
}

// ValidationResult represents the complete validation result
type ValidationResult struct {
	Version     int          `json:"version"`
	GeneratedAt string       `json:"generated_at"`
	Files       []FileResult `json:"files"`
	Summary     Summary      `json:"summary"`
}

// Summary contains validation statistics
type Summary struct {
	Files int `json:"files"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Error int `json:"error"`
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Files:       []FileResult{},
		Summary:     Summary{},
	}
}

// AddFileResult adds a file result and updates summary
func (vr *ValidationResult) AddFileResult(fileResult FileResult) {
	vr.Files = append(vr.Files, fileResult)
	vr.Summary.Files++

	switch Worst(fileResult.Issues) {
	case SeverityError:
		vr.Summary.Error++
	case SeverityWarn:
		vr.Summary.Warn++
	default:
		vr.Summary.OK++
	}
}

// Merge appends the files of other and adds up the summaries
func (vr *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	vr.Files = append(vr.Files, other.Files...)
	vr.Summary.Files += other.Summary.Files
	vr.Summary.OK += other.Summary.OK
	vr.Summary.Warn += other.Summary.Warn
	vr.Summary.Error += other.Summary.Error
}

// Worst returns the most severe issue type in issues
func Worst(issues []ValidationIssue) string {
	worst := SeverityOK
	for _, issue := range issues {
		switch issue.Type {
		case SeverityError:
			return SeverityError
		case SeverityWarn:
			worst = SeverityWarn
		}
	}
	return worst
}
