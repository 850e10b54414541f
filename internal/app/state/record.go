package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultPhase is the phase of a project that has never been saved.
const DefaultPhase = "init"

// KnownPhases lists the phases the tooling knows about. Other phases are
// accepted but logged.
var KnownPhases = map[string]bool{
	"init":           true,
	"planning":       true,
	"implementation": true,
	"review":         true,
	"release":        true,
	"done":           true,
}

// ErrInvalidValue is returned by the Record setters.
var ErrInvalidValue = errors.New("invalid state value")

// Record is the persisted project state.
//
// The revision is owned by the Store: it is read from disk and only ever
// advanced by a successful Save. Callers change the other fields through
// the setters.
type Record struct {
	revision  int
	phase     string
	progress  float64
	metadata  map[string]any
	updatedAt time.Time
}

// NewRecord returns the record of a project that has no state file yet.
func NewRecord(phase string) *Record {
	if p := normalize(phase); p != "" {
		phase = p
	} else {
		phase = DefaultPhase
	}
	return &Record{phase: phase, metadata: map[string]any{}}
}

func (r *Record) Revision() int        { return r.revision }
func (r *Record) Phase() string        { return r.phase }
func (r *Record) Progress() float64    { return r.progress }
func (r *Record) UpdatedAt() time.Time { return r.updatedAt }

// Metadata returns a copy of the metadata map.
func (r *Record) Metadata() map[string]any {
	return copyMap(r.metadata)
}

// MetaKeys returns the metadata keys in sorted order.
func (r *Record) MetaKeys() []string {
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Meta returns one metadata value.
func (r *Record) Meta(key string) (any, bool) {
	v, ok := r.metadata[normalize(key)]
	return v, ok
}

// SetPhase sets the phase after NFKC normalization. The phase must not be
// blank.
func (r *Record) SetPhase(phase string) error {
	p := normalize(phase)
	if p == "" {
		return fmt.Errorf("%w: phase must not be empty", ErrInvalidValue)
	}
	r.phase = p
	return nil
}

// SetProgress sets the completion percentage, which must lie in [0, 100].
func (r *Record) SetProgress(progress float64) error {
	if err := checkProgress(progress); err != nil {
		return err
	}
	r.progress = progress
	return nil
}

// SetMeta sets one metadata entry. Values must be representable in every
// state format, so nil is rejected; use DeleteMeta instead.
func (r *Record) SetMeta(key string, value any) error {
	k := normalize(key)
	if k == "" {
		return fmt.Errorf("%w: metadata key must not be empty", ErrInvalidValue)
	}
	if value == nil {
		return fmt.Errorf("%w: metadata %q: nil value", ErrInvalidValue, k)
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Errorf("%w: metadata %q: %v", ErrInvalidValue, k, err)
	}
	if r.metadata == nil {
		r.metadata = map[string]any{}
	}
	r.metadata[k] = copyValue(value)
	return nil
}

// DeleteMeta removes one metadata entry. Missing keys are ignored.
func (r *Record) DeleteMeta(key string) {
	delete(r.metadata, normalize(key))
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.metadata = copyMap(r.metadata)
	return &c
}

// Equal reports whether the values of two metadata entries are the same
// once encoded. Decoders disagree on numeric types (int, int64, float64),
// so Go equality is not enough.
func Equal(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// document is the on-disk shape of a Record.
type document struct {
	Revision  int            `yaml:"revision" json:"revision" toml:"revision"`
	Phase     string         `yaml:"phase" json:"phase" toml:"phase"`
	Progress  float64        `yaml:"progress" json:"progress" toml:"progress"`
	UpdatedAt string         `yaml:"updated_at,omitempty" json:"updated_at,omitempty" toml:"updated_at,omitempty"`
	Metadata  map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty" toml:"metadata,omitempty"`
}

// rawDocument is used for decoding so missing fields can be told apart
// from zero values.
type rawDocument struct {
	Revision  *int           `yaml:"revision" json:"revision" toml:"revision"`
	Phase     *string        `yaml:"phase" json:"phase" toml:"phase"`
	Progress  *float64       `yaml:"progress" json:"progress" toml:"progress"`
	UpdatedAt *string        `yaml:"updated_at" json:"updated_at" toml:"updated_at"`
	Metadata  map[string]any `yaml:"metadata" json:"metadata" toml:"metadata"`
}

func (r *Record) toDocument() document {
	doc := document{
		Revision: r.revision,
		Phase:    r.phase,
		Progress: r.progress,
		Metadata: r.metadata,
	}
	if !r.updatedAt.IsZero() {
		doc.UpdatedAt = r.updatedAt.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

// fromRaw validates a decoded document. Unknown phases are reported
// through warn rather than rejected.
func fromRaw(raw rawDocument, warn func(format string, args ...interface{})) (*Record, error) {
	if raw.Revision == nil {
		return nil, errors.New("missing field revision")
	}
	if *raw.Revision < 0 {
		return nil, fmt.Errorf("revision %d is negative", *raw.Revision)
	}
	if raw.Phase == nil {
		return nil, errors.New("missing field phase")
	}

	rec := &Record{revision: *raw.Revision, metadata: map[string]any{}}
	rec.phase = normalize(*raw.Phase)
	if rec.phase == "" {
		return nil, errors.New("phase is empty")
	}
	if !KnownPhases[rec.phase] {
		warn("state: unknown phase %q (known: %s)", rec.phase, knownPhaseList())
	}

	if raw.Progress != nil {
		if err := checkProgress(*raw.Progress); err != nil {
			return nil, err
		}
		rec.progress = *raw.Progress
	}

	if raw.UpdatedAt != nil && *raw.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, *raw.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("updated_at: %w", err)
		}
		rec.updatedAt = ts
	}

	for k, v := range raw.Metadata {
		key := normalize(k)
		if key == "" {
			return nil, errors.New("metadata has an empty key")
		}
		val, err := jsonValue(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", key, err)
		}
		rec.metadata[key] = val
	}
	return rec, nil
}

// jsonValue converts a decoded metadata value into the shapes JSON can
// encode. YAML maps with non-string keys decode as map[interface{}]interface{};
// their keys are stringified. Values that still cannot be encoded are
// rejected, as SetMeta does.
func jsonValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			val, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			val, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			val, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}
	if _, err := json.Marshal(v); err != nil {
		return nil, err
	}
	return v, nil
}

func checkProgress(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return fmt.Errorf("%w: progress %v out of range [0, 100]", ErrInvalidValue, p)
	}
	return nil
}

func knownPhaseList() string {
	phases := make([]string, 0, len(KnownPhases))
	for p := range KnownPhases {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	return strings.Join(phases, ", ")
}

// normalize applies NFKC and trims surrounding space
func normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
