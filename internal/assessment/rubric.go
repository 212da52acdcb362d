package assessment

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed rubric.yaml
var defaultRubricYAML []byte

// Dimension is one axis of candidate evaluation.
type Dimension string

// Rubric configures keyword lexicons, signal mix and per-persona weights.
type Rubric struct {
	Signals             SignalWeights                    `yaml:"signals"`
	KeywordSaturation   float64                          `yaml:"keyword_saturation"`
	SubstantiveMinWords int                              `yaml:"substantive_min_words"`
	Engagement          EngagementConfig                 `yaml:"engagement"`
	Dimensions          map[Dimension]DimensionSpec      `yaml:"dimensions"`
	Weights             map[string]map[Dimension]float64 `yaml:"weights"`

	order    []Dimension
	patterns map[Dimension][]string
}

// SignalWeights mixes the three per-dimension signals.
type SignalWeights struct {
	Keyword    float64 `yaml:"keyword"`
	Coherence  float64 `yaml:"coherence"`
	Engagement float64 `yaml:"engagement"`
}

// EngagementConfig sets the rolling baseline for engagement.
type EngagementConfig struct {
	Window          int           `yaml:"window"`
	BaselineWords   float64       `yaml:"baseline_words"`
	BaselineLatency time.Duration `yaml:"baseline_latency"`
}

// DimensionSpec lists the topic keywords for a dimension.
type DimensionSpec struct {
	Keywords []string `yaml:"keywords"`
}

// DefaultRubric parses the embedded rubric.
func DefaultRubric() *Rubric {
	r, err := ParseRubric(defaultRubricYAML)
	if err != nil {
		panic("assessment: embedded rubric is invalid: " + err.Error())
	}
	return r
}

// LoadRubric reads a rubric from path, or returns the embedded default when
// path is empty.
func LoadRubric(path string) (*Rubric, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRubric(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rubric %s: %w", path, err)
	}
	r, err := ParseRubric(data)
	if err != nil {
		return nil, fmt.Errorf("parse rubric %s: %w", path, err)
	}
	return r, nil
}

// ParseRubric decodes and validates a YAML rubric.
func ParseRubric(data []byte) (*Rubric, error) {
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode rubric: %w", err)
	}
	if err := r.prepare(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rubric) prepare() error {
	if len(r.Dimensions) == 0 {
		return fmt.Errorf("rubric must define at least one dimension")
	}
	s := r.Signals
	if s.Keyword < 0 || s.Coherence < 0 || s.Engagement < 0 {
		return fmt.Errorf("signal weights must be >= 0")
	}
	total := s.Keyword + s.Coherence + s.Engagement
	if total <= 0 {
		return fmt.Errorf("signal weights must sum to > 0")
	}
	r.Signals = SignalWeights{Keyword: s.Keyword / total, Coherence: s.Coherence / total, Engagement: s.Engagement / total}

	if r.KeywordSaturation <= 0 {
		r.KeywordSaturation = 0.025
	}
	if r.SubstantiveMinWords <= 0 {
		r.SubstantiveMinWords = 8
	}
	if r.Engagement.Window <= 0 {
		r.Engagement.Window = 5
	}
	if r.Engagement.BaselineWords <= 0 {
		r.Engagement.BaselineWords = 25
	}
	if r.Engagement.BaselineLatency <= 0 {
		r.Engagement.BaselineLatency = 30 * time.Second
	}

	r.order = make([]Dimension, 0, len(r.Dimensions))
	r.patterns = make(map[Dimension][]string, len(r.Dimensions))
	for dim, spec := range r.Dimensions {
		r.order = append(r.order, dim)
		for _, kw := range spec.Keywords {
			if p := normalize(kw); strings.TrimSpace(p) != "" {
				r.patterns[dim] = append(r.patterns[dim], p)
			}
		}
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })

	for personaID, weights := range r.Weights {
		for dim, w := range weights {
			if _, ok := r.Dimensions[dim]; !ok {
				return fmt.Errorf("weights.%s references unknown dimension %q", personaID, dim)
			}
			if w < 0 {
				return fmt.Errorf("weights.%s.%s must be >= 0", personaID, dim)
			}
		}
	}
	return nil
}

// Weight returns the weight of dim for personaID. Unlisted personas and
// dimensions weigh 1.
func (r *Rubric) Weight(personaID string, dim Dimension) float64 {
	weights, ok := r.Weights[personaID]
	if !ok {
		return 1
	}
	w, ok := weights[dim]
	if !ok {
		return 1
	}
	return w
}

// normalize lowercases text and reduces it to space-separated word tokens
// with a leading and trailing space, so keyword phrases match on word
// boundaries.
func normalize(text string) string {
	return " " + strings.Join(tokenize(text), " ") + " "
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
