// Package changes validates the state change log (JSON Lines).
package changes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/YoshitsuguKoike/paracle/internal/app/changelog"
	"github.com/YoshitsuguKoike/paracle/internal/validator/common"
)

// requiredKeys are the keys of every change log line
var requiredKeys = []string{"id", "ts", "actor", "pid", "field", "old", "new", "revision"}

// LineResult represents validation result for a single line
type LineResult struct {
	Line   int                      `json:"line"`
	Issues []common.ValidationIssue `json:"issues"`
}

// ValidationResult represents the complete validation result
type ValidationResult struct {
	Version     int          `json:"version"`
	GeneratedAt string       `json:"generated_at"`
	File        string       `json:"file"`
	Lines       []LineResult `json:"lines"`
	Summary     Summary      `json:"summary"`
}

// Summary contains validation statistics
type Summary struct {
	Lines int `json:"lines"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Error int `json:"error"`
}

// Validator checks change log lines in order
type Validator struct {
	filePath         string
	previousRevision int
}

// NewValidator creates a new change log validator
func NewValidator(filePath string) *Validator {
	return &Validator{filePath: filePath}
}

// ValidateFile validates a change log and returns per-line results. Only
// lines with issues are listed; the summary counts every line.
func (v *Validator) ValidateFile(reader io.Reader) (*ValidationResult, error) {
	result := &ValidationResult{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		File:        v.filePath,
		Lines:       []LineResult{},
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNumber := 0

	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		lineResult := v.validateLine(line, lineNumber)
		result.Summary.Lines++
		switch common.Worst(lineResult.Issues) {
		case common.SeverityError:
			result.Summary.Error++
		case common.SeverityWarn:
			result.Summary.Warn++
		default:
			result.Summary.OK++
			continue
		}
		result.Lines = append(result.Lines, lineResult)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return result, nil
}

// validateLine validates a single JSON line
func (v *Validator) validateLine(line string, lineNumber int) LineResult {
	result := LineResult{Line: lineNumber, Issues: []common.ValidationIssue{}}

	var rawData map[string]interface{}
	if err := json.Unmarshal([]byte(line), &rawData); err != nil {
		result.Issues = append(result.Issues, common.ValidationIssue{
			Type:    common.SeverityError,
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result
	}

	common.ValidateRequiredKeys(rawData, requiredKeys, &result.Issues)
	common.WarnUnknownKeys(rawData, requiredKeys, &result.Issues)

	if id, ok := rawData["id"].(string); ok {
		if _, err := ulid.ParseStrict(id); err != nil {
			result.Issues = append(result.Issues, common.ValidationIssue{
				Type:    common.SeverityError,
				Field:   "id",
				Message: fmt.Sprintf("invalid ULID: %v", err),
			})
		}
	} else if _, exists := rawData["id"]; exists {
		common.ValidateNonEmptyString(rawData["id"], "id", &result.Issues)
	}

	if ts, exists := rawData["ts"]; exists {
		if s, ok := ts.(string); ok {
			common.ValidateRFC3339NanoUTC(s, "ts", &result.Issues)
		} else {
			common.ValidateNonEmptyString(ts, "ts", &result.Issues)
		}
	}

	if actor, exists := rawData["actor"]; exists {
		common.ValidateNonEmptyString(actor, "actor", &result.Issues)
	}

	if pid, exists := rawData["pid"]; exists {
		minValue := 1
		common.ValidateIntValue(pid, "pid", &minValue, &result.Issues)
	}

	if field, exists := rawData["field"]; exists {
		v.validateField(field, &result)
	}

	if revision, exists := rawData["revision"]; exists {
		v.validateRevision(revision, &result)
	}

	return result
}

func (v *Validator) validateField(value interface{}, result *LineResult) {
	field, ok := value.(string)
	if !ok {
		common.ValidateNonEmptyString(value, "field", &result.Issues)
		return
	}
	switch {
	case field == changelog.FieldPhase, field == changelog.FieldProgress, field == changelog.FieldRevision:
	case strings.HasPrefix(field, changelog.MetaPrefix) && len(field) > len(changelog.MetaPrefix):
	default:
		result.Issues = append(result.Issues, common.ValidationIssue{
			Type:    common.SeverityError,
			Field:   "field",
			Message: fmt.Sprintf("unknown field: %q", field),
		})
	}
}

// validateRevision checks the revision and that lines never go back in
// revision; saves append while holding the state lock
func (v *Validator) validateRevision(value interface{}, result *LineResult) {
	before := len(result.Issues)
	minValue := 1
	common.ValidateIntValue(value, "revision", &minValue, &result.Issues)
	if len(result.Issues) != before {
		return
	}

	rev, _ := common.AsNumber(value)
	if int(rev) < v.previousRevision {
		result.Issues = append(result.Issues, common.ValidationIssue{
			Type:    common.SeverityWarn,
			Field:   "revision",
			Message: fmt.Sprintf("revision %d after revision %d", int(rev), v.previousRevision),
		})
	}
	v.previousRevision = int(rev)
}
