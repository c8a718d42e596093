package api

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	jsonBlockPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingComma     = regexp.MustCompile(`,\s*([}\]])`)
)

// Verdict is a critic's judgement of an artifact.
type Verdict struct {
	Satisfied bool
	Rating    float64
	Feedback  string
}

type verdictJSON struct {
	Satisfied              bool     `json:"satisfied"`
	Rating                 *float64 `json:"rating"`
	OverallRating          *float64 `json:"overall_rating"`
	Feedback               string   `json:"feedback"`
	SpecificFeedback       string   `json:"specific_feedback"`
	Weaknesses             []string `json:"weaknesses"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
}

// ParseVerdict reads a Verdict from a critic result. A Verdict (or *Verdict)
// in res.Value wins; otherwise the first JSON object in res.Response is
// decoded. Plain text counts as satisfied only when it starts with "approved".
func ParseVerdict(res Result) Verdict {
	switch v := res.Value.(type) {
	case Verdict:
		return v
	case *Verdict:
		if v != nil {
			return *v
		}
	}

	raw := extractJSON(res.Response)
	if raw != "" {
		var vj verdictJSON
		if err := json.Unmarshal([]byte(raw), &vj); err == nil {
			return vj.verdict()
		}
	}

	text := strings.TrimSpace(res.Response)
	return Verdict{
		Satisfied: strings.HasPrefix(strings.ToLower(text), "approved"),
		Feedback:  text,
	}
}

func (vj verdictJSON) verdict() Verdict {
	v := Verdict{Satisfied: vj.Satisfied}
	switch {
	case vj.Rating != nil:
		v.Rating = *vj.Rating
	case vj.OverallRating != nil:
		v.Rating = *vj.OverallRating
	}

	var parts []string
	for _, s := range []string{vj.Feedback, vj.SpecificFeedback} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(vj.Weaknesses) > 0 {
		parts = append(parts, "Weaknesses: "+strings.Join(vj.Weaknesses, "; "))
	}
	if len(vj.ImprovementSuggestions) > 0 {
		parts = append(parts, "Suggestions: "+strings.Join(vj.ImprovementSuggestions, "; "))
	}
	v.Feedback = strings.Join(parts, "\n")
	return v
}

func extractJSON(content string) string {
	var raw string
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = jsonObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return trailingComma.ReplaceAllString(raw, "$1")
}

// ReviseState is the position of a revise loop.
type ReviseState int

const (
	ReviseProduce ReviseState = iota
	ReviseCritique
	ReviseDone
)

func (s ReviseState) String() string {
	switch s {
	case ReviseProduce:
		return "produce"
	case ReviseCritique:
		return "critique"
	case ReviseDone:
		return "done"
	default:
		return "unknown"
	}
}

// NextReviseState decides what follows the critique of the given
// (0-based) iteration.
func NextReviseState(iteration, maxIterations int, v Verdict) ReviseState {
	if v.Satisfied || iteration+1 >= maxIterations {
		return ReviseDone
	}
	return ReviseProduce
}

// ReviseOutcome is the Data of the event a ReviseLoop finishes with.
type ReviseOutcome struct {
	Brief      string
	Artifact   Result
	Verdict    Verdict
	Iterations int
	// Capped is set when the loop stopped without the critic being satisfied.
	Capped bool
}

// ReviseLoop generates a produce/critique step pair that iterates until the
// critic is satisfied or MaxIterations critiques happened, then advances
// with Done carrying the latest artifact.
type ReviseLoop struct {
	Name string

	// Producer and Critic are task names resolved from the run registry.
	Producer string
	Critic   string

	// MaxIterations bounds the number of critiques. Zero uses the run default.
	MaxIterations int

	Trigger []Kind
	Done    Kind

	// Parse reads the critic verdict. Defaults to ParseVerdict.
	Parse func(Result) Verdict

	// CritiqueInput builds the critic prompt. Defaults to DefaultCritiqueInput.
	CritiqueInput func(brief, draft string, iteration int) string

	// Revise builds the producer prompt for the next draft. Defaults to
	// DefaultReviseInput.
	Revise func(brief, draft string, v Verdict) string
}

// ProduceKind is the internal event kind that asks for a new draft.
func (l ReviseLoop) ProduceKind() Kind { return Kind(l.Name + ".revise") }

// CritiqueKind is the internal event kind carrying a draft to critique.
func (l ReviseLoop) CritiqueKind() Kind { return Kind(l.Name + ".critique") }

// ProduceStep and CritiqueStep name the generated steps.
func (l ReviseLoop) ProduceStep() string  { return l.Name + ".produce" }
func (l ReviseLoop) CritiqueStep() string { return l.Name + ".critic" }

func (l ReviseLoop) briefKey() string { return l.Name + ".brief" }

// Validate checks the loop wiring.
func (l ReviseLoop) Validate() error {
	switch {
	case l.Name == "":
		return NewConfigurationError("", "", "revise loop name is required")
	case l.Producer == "" || l.Critic == "":
		return NewConfigurationError("", l.Name, "revise loop needs a producer and a critic task")
	case len(l.Trigger) == 0:
		return NewConfigurationError("", l.Name, "revise loop has no trigger kind")
	case l.Done == "" || l.Done.Reserved():
		return NewConfigurationError("", l.Name, "revise loop needs a non-reserved done kind")
	case l.MaxIterations < 0:
		return NewConfigurationError("", l.Name, "negative max iterations")
	}
	return nil
}

// Steps returns the generated step pair.
func (l ReviseLoop) Steps() ([]StepDefinition, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	accepts := append(append([]Kind(nil), l.Trigger...), l.ProduceKind())
	return []StepDefinition{
		{
			Name:     l.ProduceStep(),
			Accepts:  accepts,
			Emits:    []Kind{l.CritiqueKind()},
			Requires: []string{l.Producer},
			Fn:       l.produce,
		},
		{
			Name:     l.CritiqueStep(),
			Accepts:  []Kind{l.CritiqueKind()},
			Emits:    []Kind{l.Done, l.ProduceKind()},
			Requires: []string{l.Critic},
			Fn:       l.critique,
		},
	}, nil
}

func (l ReviseLoop) produce(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
	iteration := 0
	input := ev.Input
	if ev.Kind == l.ProduceKind() {
		iteration = ev.Iteration
	} else {
		// One loop per run: the iteration count and brief are never reset.
		if _, started := sc.Get(l.briefKey()); started {
			sc.Progressf(l.ProduceStep(), "revise loop already started; ignoring %s", ev.Kind)
			return Waiting(), nil
		}
		sc.Set(l.briefKey(), ev.Input)
	}

	res, err := DelegateTask(ctx, sc, l.Producer, input)
	if err != nil {
		return StepResult{}, err
	}
	next := NewEvent(l.CritiqueKind(), res.Response).
		WithIteration(iteration).
		WithData(res)
	return Advance(next), nil
}

func (l ReviseLoop) critique(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
	brief := sc.GetString(l.briefKey())
	draft := Result{Response: ev.Input}
	if r, ok := ev.Data.(Result); ok {
		draft = r
	}

	critiqueInput := l.CritiqueInput
	if critiqueInput == nil {
		critiqueInput = DefaultCritiqueInput
	}
	res, err := DelegateTask(ctx, sc, l.Critic, critiqueInput(brief, draft.Response, ev.Iteration))
	if err != nil {
		return StepResult{}, err
	}

	parse := l.Parse
	if parse == nil {
		parse = ParseVerdict
	}
	v := parse(res)
	sc.Progressf(l.Name, "Critique #%d: Rating %s/10", ev.Iteration+1, strconv.FormatFloat(v.Rating, 'g', -1, 64))

	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = sc.MaxIterations()
	}

	if NextReviseState(ev.Iteration, maxIter, v) == ReviseDone {
		out := ReviseOutcome{
			Brief:      brief,
			Artifact:   draft,
			Verdict:    v,
			Iterations: ev.Iteration + 1,
			Capped:     !v.Satisfied,
		}
		done := NewEvent(l.Done, draft.Response).
			WithIteration(ev.Iteration + 1).
			WithData(out)
		return Advance(done), nil
	}

	revise := l.Revise
	if revise == nil {
		revise = DefaultReviseInput
	}
	next := NewEvent(l.ProduceKind(), revise(brief, draft.Response, v)).WithIteration(ev.Iteration + 1)
	return Advance(next), nil
}

// DefaultCritiqueInput asks the critic to judge draft against brief.
func DefaultCritiqueInput(brief, draft string, iteration int) string {
	return fmt.Sprintf("Brief:\n%s\n\nDraft %d:\n%s", brief, iteration+1, draft)
}

// DefaultReviseInput asks the producer for a new draft addressing the critique.
func DefaultReviseInput(brief, draft string, v Verdict) string {
	return fmt.Sprintf("Brief:\n%s\n\nPrevious draft:\n%s\n\nCritique:\n%s\n\nRevise the draft to address the critique.",
		brief, draft, v.Feedback)
}
