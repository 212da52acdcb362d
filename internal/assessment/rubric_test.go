package assessment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRubric(t *testing.T) {
	r := DefaultRubric()
	order := r.order
	require.Len(t, order, 7)
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i])
	}
	sum := r.Signals.Keyword + r.Signals.Coherence + r.Signals.Engagement
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, 30*time.Second, r.Engagement.BaselineLatency)
	assert.Equal(t, 3.0, r.Weight("technical", "technical_knowledge"))
	assert.Equal(t, 1.0, r.Weight("unlisted", "technical_knowledge"))
}

func TestParseRubricErrors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":        "signals: [",
		"no dimensions":   "signals: {keyword: 1}",
		"negative signal": "signals: {keyword: -1, coherence: 1}\ndimensions: {a: {keywords: [x]}}",
		"zero signals":    "signals: {keyword: 0}\ndimensions: {a: {keywords: [x]}}",
		"unknown weight":  "signals: {keyword: 1}\ndimensions: {a: {keywords: [x]}}\nweights: {technical: {b: 1}}",
		"negative weight": "signals: {keyword: 1}\ndimensions: {a: {keywords: [x]}}\nweights: {technical: {a: -2}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRubric([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRubricFillsDefaults(t *testing.T) {
	r, err := ParseRubric([]byte("signals: {keyword: 2, coherence: 2}\ndimensions: {grit: {keywords: ['Kept Going', '  ']}}"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.Signals.Keyword)
	assert.Equal(t, 0.0, r.Signals.Engagement)
	assert.Equal(t, 8, r.SubstantiveMinWords)
	assert.Equal(t, 5, r.Engagement.Window)
	assert.Equal(t, []string{" kept going "}, r.patterns["grit"])
}

func TestLoadRubric(t *testing.T) {
	r, err := LoadRubric("")
	require.NoError(t, err)
	assert.NotEmpty(t, r.order)

	path := filepath.Join(t.TempDir(), "rubric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signals: {keyword: 1}\ndimensions: {focus: {keywords: [focus]}}"), 0o600))
	r, err = LoadRubric(path)
	require.NoError(t, err)
	assert.Equal(t, []Dimension{"focus"}, r.order)

	_, err = LoadRubric(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
