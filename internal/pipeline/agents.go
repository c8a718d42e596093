package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// Scripted is a stand-in agent that returns its responses in order,
// repeating the last one once they run out. It streams one progress event
// per call and optionally sleeps to simulate work.
type Scripted struct {
	name      string
	responses []string
	delay     time.Duration

	mu    sync.Mutex
	calls int
}

// NewScripted returns a scripted agent. At least one response is required.
func NewScripted(name string, responses ...string) *Scripted {
	if len(responses) == 0 {
		responses = []string{name + " output"}
	}
	return &Scripted{name: name, responses: responses}
}

// WithDelay makes each call take d, honouring cancellation.
func (s *Scripted) WithDelay(d time.Duration) *Scripted {
	s.delay = d
	return s
}

func (s *Scripted) Name() string { return s.name }

// Calls returns how many times the agent ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Run(ctx context.Context, input string) api.Handle {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()

	out := s.responses[len(s.responses)-1]
	if n < len(s.responses) {
		out = s.responses[n]
	}

	return api.NewTask(s.name, func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		emit(api.ProgressEvent(s.name, fmt.Sprintf("working (call %d)", n+1)))
		if s.delay > 0 {
			t := time.NewTimer(s.delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return api.Result{}, ctx.Err()
			}
		}
		return api.Result{Response: out}, nil
	}).Run(ctx, input)
}

// DemoAgents returns scripted agents for every task of the pipeline. The
// router classifies every input as research and the critics approve the
// second draft.
func DemoAgents() api.Tasks {
	critic := func(name string) *Scripted {
		return NewScripted(name,
			`{"satisfied": false, "rating": 6, "feedback": "Add concrete numbers."}`,
			`{"satisfied": true, "rating": 8, "feedback": "Good."}`,
		)
	}
	agents := []api.Task{
		NewScripted(TaskRouter, "research"),
		NewScripted(TaskQnA, "Happy to help."),
		NewScripted(TaskProblemValidator,
			`{"enough_information": true, "refined_problem_statement": "Remote teams lack lightweight async standups.", "feedback": ""}`),
		NewScripted(TaskMarketResearch, "Market draft 1", "Market draft 2"),
		critic(TaskMarketCritic),
		NewScripted(TaskCompetitorAnalysis, "Three incumbents, all meeting-centric."),
		NewScripted(TaskCustomerInsights, "Managers want fewer meetings."),
		NewScripted(TaskOnlineTrends, "Async work search interest is rising."),
		NewScripted(TaskResearchReviewer, "Initial research is consistent."),
		NewScripted(TaskTechFeasibility, "Buildable with off-the-shelf parts."),
		NewScripted(TaskFinanceFeasibility, "Break-even at 2k seats."),
		NewScripted(TaskOperationsFeasibility, "Two-person team can operate it."),
		NewScripted(TaskGoToMarket, "Bottom-up via Slack marketplace."),
		NewScripted(TaskMonetization, "Per-seat subscription."),
		NewScripted(TaskRiskAnalysis, "Platform dependency on chat vendors."),
		NewScripted(TaskSummarizer, "Promising idea with a clear wedge."),
		NewScripted(TaskOutlineWriter, "Intro\nMarket\nRisks\nOutro"),
		NewScripted(TaskScriptWriter, "Script draft 1", "Script draft 2"),
		critic(TaskScriptCritic),
		NewScripted(TaskAudio, "podcast.mp3"),
	}
	return api.Tasks{}.With(agents...)
}
