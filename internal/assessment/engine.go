// Package assessment scores an interview transcript across fixed
// dimensions and derives trend and feedback signals.
//
// Scores are recomputed from the full message log on every pass, so the
// same log always yields the same scores.
package assessment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
)

// Trend is the short-term direction of the overall score.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// trendDelta is the overall-score movement needed to leave TrendStable.
const trendDelta = 2.0

// DimensionScore is a single dimension's value in [0,100].
type DimensionScore struct {
	Dimension Dimension `json:"dimension"`
	Value     float64   `json:"value"`
}

// Snapshot is one scoring pass.
type Snapshot struct {
	Timestamp  time.Time             `json:"timestamp"`
	Scores     map[Dimension]float64 `json:"dimensionScores"`
	Overall    float64               `json:"overallScore"`
	Trend      Trend                 `json:"trend"`
	Engagement float64               `json:"engagement"`
	PersonaID  string                `json:"personaId"`
}

// Ordered returns the snapshot's scores in rubric order.
func (s Snapshot) Ordered(r *Rubric) []DimensionScore {
	out := make([]DimensionScore, 0, len(s.Scores))
	for _, dim := range r.order {
		if v, ok := s.Scores[dim]; ok {
			out = append(out, DimensionScore{Dimension: dim, Value: v})
		}
	}
	return out
}

// FeedbackEvent is a rate-limited summary for the client.
type FeedbackEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	Trend     Trend     `json:"trend"`
}

// Config controls trend and feedback pacing.
type Config struct {
	TrendWindow      int
	FeedbackEvery    int
	FeedbackInterval time.Duration
}

// DefaultConfig returns the standard pacing: trend over 3 snapshots,
// feedback every 3 user messages or 60 seconds.
func DefaultConfig() Config {
	return Config{
		TrendWindow:      3,
		FeedbackEvery:    3,
		FeedbackInterval: 60 * time.Second,
	}
}

// Result is the outcome of a Rescore call.
type Result struct {
	Snapshot Snapshot
	Feedback *FeedbackEvent
}

// Engine keeps the assessment and feedback history for one session.
// It is not safe for concurrent use; the owning session serializes calls.
type Engine struct {
	rubric *Rubric
	cfg    Config

	history  []Snapshot
	feedback []FeedbackEvent

	sinceFeedback  int
	lastFeedbackAt time.Time
}

// NewEngine creates an engine. startedAt anchors the feedback interval.
func NewEngine(rubric *Rubric, cfg Config, startedAt time.Time) *Engine {
	if rubric == nil {
		rubric = DefaultRubric()
	}
	def := DefaultConfig()
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = def.TrendWindow
	}
	if cfg.FeedbackEvery <= 0 {
		cfg.FeedbackEvery = def.FeedbackEvery
	}
	if cfg.FeedbackInterval <= 0 {
		cfg.FeedbackInterval = def.FeedbackInterval
	}
	return &Engine{rubric: rubric, cfg: cfg, lastFeedbackAt: startedAt}
}

// Rubric returns the rubric the engine scores with.
func (e *Engine) Rubric() *Rubric {
	return e.rubric
}

// Rescore recomputes every dimension from messages, appends a snapshot and
// emits a feedback event when the pacing policy allows. The snapshot is
// stamped with the newest message's timestamp.
func (e *Engine) Rescore(messages []domain.Message, personaID string) Result {
	scores, engagement := Score(e.rubric, messages)
	overall := Overall(e.rubric, scores, personaID)

	ts := time.Time{}
	if n := len(messages); n > 0 {
		ts = messages[n-1].Timestamp
	}
	snap := Snapshot{
		Timestamp:  ts,
		Scores:     scores,
		Overall:    overall,
		Trend:      e.trend(overall),
		Engagement: engagement,
		PersonaID:  personaID,
	}
	e.history = append(e.history, snap)

	res := Result{Snapshot: snap}
	e.sinceFeedback++
	if e.sinceFeedback >= e.cfg.FeedbackEvery || ts.Sub(e.lastFeedbackAt) >= e.cfg.FeedbackInterval {
		ev := FeedbackEvent{
			Timestamp: ts,
			Content:   summarize(e.rubric, snap),
			Score:     overall,
			Trend:     snap.Trend,
		}
		e.feedback = append(e.feedback, ev)
		e.sinceFeedback = 0
		e.lastFeedbackAt = ts
		res.Feedback = &ev
	}
	return res
}

func (e *Engine) trend(overall float64) Trend {
	if len(e.history) == 0 {
		return TrendStable
	}
	start := max(0, len(e.history)-e.cfg.TrendWindow)
	prev := e.history[start:]
	sum := 0.0
	for _, s := range prev {
		sum += s.Overall
	}
	delta := overall - sum/float64(len(prev))
	switch {
	case delta > trendDelta:
		return TrendImproving
	case delta < -trendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// History returns a copy of every snapshot in order.
func (e *Engine) History() []Snapshot {
	out := make([]Snapshot, len(e.history))
	copy(out, e.history)
	return out
}

// Feedback returns a copy of every emitted feedback event in order.
func (e *Engine) Feedback() []FeedbackEvent {
	out := make([]FeedbackEvent, len(e.feedback))
	copy(out, e.feedback)
	return out
}

// Latest returns the newest snapshot.
func (e *Engine) Latest() (Snapshot, bool) {
	if len(e.history) == 0 {
		return Snapshot{}, false
	}
	return e.history[len(e.history)-1], true
}

// Score computes every dimension score and the engagement level from the
// user messages in the log.
func Score(r *Rubric, messages []domain.Message) (map[Dimension]float64, float64) {
	var (
		totalWords  int
		turns       int
		substantive int
		text        strings.Builder
	)
	for _, m := range messages {
		if m.SenderKind != domain.SenderUser {
			continue
		}
		words := len(tokenize(m.Content))
		totalWords += words
		turns++
		if words >= r.SubstantiveMinWords {
			substantive++
		}
		text.WriteString(normalize(m.Content))
	}

	scores := make(map[Dimension]float64, len(r.order))
	if turns == 0 {
		for _, dim := range r.order {
			scores[dim] = 0
		}
		return scores, 0
	}

	coherence := float64(substantive) / float64(turns)
	engagement := Engagement(r, messages)
	corpus := text.String()

	for _, dim := range r.order {
		hits := 0
		for _, p := range r.patterns[dim] {
			hits += strings.Count(corpus, p)
		}
		density := 0.0
		if totalWords > 0 {
			density = float64(hits) / float64(totalWords)
		}
		keyword := math.Min(1, density/r.KeywordSaturation)
		v := 100 * (r.Signals.Keyword*keyword + r.Signals.Coherence*coherence + r.Signals.Engagement*engagement)
		scores[dim] = clamp(round1(v))
	}
	return scores, engagement
}

// Engagement returns a [0,1] signal averaged over the last window of user
// messages. Each message is compared to the rolling baseline of the
// messages before it: longer answers and quicker replies score higher.
func Engagement(r *Rubric, messages []domain.Message) float64 {
	type turn struct {
		words   float64
		latency time.Duration
	}
	var turns []turn
	var prevAt time.Time
	for _, m := range messages {
		if m.SenderKind == domain.SenderUser {
			lat := r.Engagement.BaselineLatency
			if !prevAt.IsZero() {
				lat = max(m.Timestamp.Sub(prevAt), time.Second)
			}
			turns = append(turns, turn{words: float64(len(tokenize(m.Content))), latency: lat})
		}
		prevAt = m.Timestamp
	}
	if len(turns) == 0 {
		return 0
	}

	w := r.Engagement.Window
	per := make([]float64, len(turns))
	for i, t := range turns {
		baseWords := r.Engagement.BaselineWords
		baseLatency := r.Engagement.BaselineLatency
		if i > 0 {
			from := max(0, i-w)
			var sw float64
			var sl time.Duration
			for _, p := range turns[from:i] {
				sw += p.words
				sl += p.latency
			}
			n := float64(i - from)
			baseWords = math.Max(sw/n, 1)
			baseLatency = time.Duration(float64(sl) / n)
		}
		lengthRatio := math.Min(1, t.words/baseWords)
		latencyRatio := math.Min(1, float64(baseLatency)/float64(t.latency))
		per[i] = 0.5*lengthRatio + 0.5*latencyRatio
	}

	from := max(0, len(per)-w)
	sum := 0.0
	for _, v := range per[from:] {
		sum += v
	}
	return math.Max(0, math.Min(1, sum/float64(len(per)-from)))
}

// Overall returns the weighted mean of scores using personaID's weights.
func Overall(r *Rubric, scores map[Dimension]float64, personaID string) float64 {
	var sum, weights float64
	for _, dim := range r.order {
		w := r.Weight(personaID, dim)
		sum += w * scores[dim]
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return clamp(round1(sum / weights))
}

func summarize(r *Rubric, s Snapshot) string {
	ordered := s.Ordered(r)
	if len(ordered) == 0 {
		return fmt.Sprintf("Overall %.0f/100, %s.", s.Overall, s.Trend)
	}
	best, worst := ordered[0], ordered[0]
	for _, d := range ordered[1:] {
		if d.Value > best.Value {
			best = d
		}
		if d.Value < worst.Value {
			worst = d
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Overall %.0f/100 and %s.", s.Overall, s.Trend)
	fmt.Fprintf(&b, " Strongest: %s (%.0f).", humanize(best.Dimension), best.Value)
	if worst.Dimension != best.Dimension {
		fmt.Fprintf(&b, " Focus area: %s (%.0f).", humanize(worst.Dimension), worst.Value)
	}
	if s.Engagement < 0.4 {
		b.WriteString(" Try giving fuller, more concrete answers.")
	}
	return b.String()
}

func humanize(d Dimension) string {
	return strings.ReplaceAll(string(d), "_", " ")
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
