// Package stage encodes the fixed interview stage order and the advance gate.
package stage

import (
	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
)

// DefaultThreshold is the number of persona turns a stage needs before it
// may be advanced.
const DefaultThreshold = 4

// Sequencer decides stage advancement from the authoritative message log.
// It holds no per-session state.
type Sequencer struct {
	catalog   *persona.Catalog
	threshold int
}

// New creates a sequencer. A non-positive threshold selects DefaultThreshold.
func New(catalog *persona.Catalog, threshold int) *Sequencer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if catalog == nil {
		catalog = persona.Default()
	}
	return &Sequencer{catalog: catalog, threshold: threshold}
}

// Threshold returns the configured gate.
func (s *Sequencer) Threshold() int {
	return s.threshold
}

// Next returns the stage after cur. Feedback is only reached by ending the
// interview, so advancing from behavioral, feedback or an unknown stage is
// rejected as terminal.
func (s *Sequencer) Next(cur domain.Stage) (domain.Stage, error) {
	if !Advanceable(cur) {
		return cur, &domain.StageNotReadyError{Stage: cur, Terminal: true}
	}
	return domain.Stages[cur.Index()+1], nil
}

// Advanceable reports whether cur has a following stage that an advance
// request may enter.
func Advanceable(cur domain.Stage) bool {
	if !cur.Valid() {
		return false
	}
	idx := cur.Index()
	if idx+1 >= len(domain.Stages) {
		return false
	}
	return !domain.Stages[idx+1].Terminal()
}

// PersonaTurns counts replies by the persona owning cur. A reply is a
// persona message that directly answers a user message, so welcome
// messages appended on stage entry are not counted.
func (s *Sequencer) PersonaTurns(cur domain.Stage, messages []domain.Message) int {
	d, err := s.catalog.ForStage(cur)
	if err != nil {
		return 0
	}
	id := string(d.ID)
	n := 0
	for i := 1; i < len(messages); i++ {
		m := messages[i]
		if m.SenderKind != domain.SenderPersona || m.PersonaID != id {
			continue
		}
		if messages[i-1].SenderKind == domain.SenderUser {
			n++
		}
	}
	return n
}

// Check returns nil when cur may be advanced, a *domain.StageNotReadyError
// when the gate is not met, and domain.ErrSessionClosed when status is
// not active. The result is a pure function of its arguments.
func (s *Sequencer) Check(status domain.Status, cur domain.Stage, messages []domain.Message) error {
	if status != domain.StatusActive {
		return domain.ErrSessionClosed
	}
	if !Advanceable(cur) {
		return &domain.StageNotReadyError{Stage: cur, Terminal: true}
	}
	have := s.PersonaTurns(cur, messages)
	if have < s.threshold {
		return &domain.StageNotReadyError{Stage: cur, Have: have, Required: s.threshold}
	}
	return nil
}

// Progress returns the percentage of stages completed before cur.
// Reaching feedback counts as 100.
func Progress(cur domain.Stage) float64 {
	if cur.Terminal() {
		return 100
	}
	idx := cur.Index()
	if idx < 0 {
		return 0
	}
	return float64(idx) / float64(len(domain.Stages)) * 100
}
