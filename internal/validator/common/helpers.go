package common

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ValidateRFC3339NanoUTC validates that a timestamp string is RFC3339Nano UTC format with Z suffix
func ValidateRFC3339NanoUTC(ts string, fieldName string, issues *[]ValidationIssue) {
	if ts == "" {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "timestamp cannot be empty",
		})
		return
	}

	// Must end with Z (UTC)
	if !strings.HasSuffix(ts, "Z") {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "not RFC3339Nano UTC Z",
		})
	}

	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: fmt.Sprintf("invalid RFC3339Nano format: %v", err),
		})
	}
}

// ValidateRequiredKeys checks that all required keys are present
func ValidateRequiredKeys(data map[string]interface{}, required []string, issues *[]ValidationIssue) {
	for _, key := range required {
		if _, exists := data[key]; !exists {
			*issues = append(*issues, ValidationIssue{
				Type:    SeverityError,
				Field:   key,
				Message: fmt.Sprintf("missing required key: %s", key),
			})
		}
	}
}

// WarnUnknownKeys reports keys outside known as warnings
func WarnUnknownKeys(data map[string]interface{}, known []string, issues *[]ValidationIssue) {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	var unknown []string
	for k := range data {
		if !allowed[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityWarn,
			Field:   k,
			Message: fmt.Sprintf("unknown key: %s", k),
		})
	}
}

// AsNumber converts the numeric types produced by the JSON, YAML and TOML
// decoders to float64
func AsNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// ValidateIntValue validates an integer value with an optional lower bound
func ValidateIntValue(value interface{}, fieldName string, minValue *int, issues *[]ValidationIssue) {
	num, ok := AsNumber(value)
	if !ok || num != math.Trunc(num) {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "must be an integer",
		})
		return
	}

	if minValue != nil && int(num) < *minValue {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: fmt.Sprintf("must be >= %d", *minValue),
		})
	}
}

// ValidateNumberRange validates a number within [min, max]
func ValidateNumberRange(value interface{}, fieldName string, min, max float64, issues *[]ValidationIssue) {
	num, ok := AsNumber(value)
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "must be a number",
		})
		return
	}
	if math.IsNaN(num) || num < min || num > max {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: fmt.Sprintf("must be between %g and %g", min, max),
		})
	}
}

// ValidateEnumValue validates that a string value is within allowed enum
// values. Values outside the enum are reported with severity.
func ValidateEnumValue(value interface{}, fieldName string, allowedValues map[string]bool, severity string, issues *[]ValidationIssue) {
	strVal, ok := value.(string)
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "must be a string",
		})
		return
	}

	if !allowedValues[strVal] {
		allowedList := make([]string, 0, len(allowedValues))
		for k := range allowedValues {
			allowedList = append(allowedList, k)
		}
		sort.Strings(allowedList)
		*issues = append(*issues, ValidationIssue{
			Type:    severity,
			Field:   fieldName,
			Message: fmt.Sprintf("invalid value: %s (must be one of: %s)", strVal, strings.Join(allowedList, "|")),
		})
	}
}

// ValidateNonEmptyString validates that a value is a string with content
func ValidateNonEmptyString(value interface{}, fieldName string, issues *[]ValidationIssue) {
	s, ok := value.(string)
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "must be a string",
		})
		return
	}
	if strings.TrimSpace(s) == "" {
		*issues = append(*issues, ValidationIssue{
			Type:    SeverityError,
			Field:   fieldName,
			Message: "must not be empty",
		})
	}
}
