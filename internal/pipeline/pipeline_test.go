package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/pkg/api"
)

func newEngine(t *testing.T, cfg api.Config) api.Engine {
	t.Helper()
	eng := engine.NewEngineWithConfig(engine.Config{Engine: cfg})
	require.NoError(t, Register(eng, DefaultOptions()))
	return eng
}

type runOutput struct {
	events []api.Event
	result api.Result
	err    error
}

func (o runOutput) progress() []api.Progress {
	var out []api.Progress
	for _, ev := range o.events {
		if ev.Kind == api.KindProgress && ev.Progress != nil {
			out = append(out, *ev.Progress)
		}
	}
	return out
}

func (o runOutput) messages() []string {
	var out []string
	for _, p := range o.progress() {
		out = append(out, p.Message)
	}
	return out
}

func hasSuffix(msgs []string, suffix string) bool {
	for _, m := range msgs {
		if strings.HasSuffix(m, suffix) {
			return true
		}
	}
	return false
}

func startResearch(t *testing.T, eng api.Engine, agents api.Tasks, input string, opts ...api.RunOption) runOutput {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := Tasks(eng, agents)
	require.NoError(t, err)

	exec, err := eng.Start(ctx, ResearchWorkflow, api.StartEvent(input, nil), append(opts, api.WithTaskMap(tasks))...)
	require.NoError(t, err)

	var out runOutput
	for ev := range exec.Events() {
		out.events = append(out.events, ev)
	}
	out.result, out.err = exec.Wait(ctx)
	return out
}

func TestResearch_FullPipeline(t *testing.T) {
	eng := newEngine(t, api.Config{})
	agents := DemoAgents()

	out := startResearch(t, eng, agents, "An app for async standups")
	require.NoError(t, out.err)

	stops := 0
	for _, ev := range out.events {
		if ev.Kind == api.KindStop {
			stops++
		}
	}
	require.Equal(t, 1, stops)
	require.Equal(t, api.KindStop, out.events[len(out.events)-1].Kind)

	report, ok := out.result.Value.(Report)
	require.True(t, ok)
	assert.Equal(t, "Remote teams lack lightweight async standups.", report.Problem)
	assert.Equal(t, "Market draft 2", report.Sections["market_research"])
	assert.Equal(t, "Per-seat subscription.", report.Sections["monetization"])
	assert.Equal(t, "Initial research is consistent.", report.Sections["research_review"])
	assert.Len(t, report.Sections, 11)
	assert.Equal(t, "Promising idea with a clear wedge.", report.Summary)
	assert.Equal(t, "Script draft 2", report.Podcast)
	assert.Equal(t, report.Markdown(), out.result.Response)

	msgs := out.messages()
	assert.Contains(t, msgs, "routing to research")
	assert.Contains(t, msgs, "Critique #1: Rating 6/10")
	assert.Contains(t, msgs, "Critique #2: Rating 8/10")
	assert.Contains(t, msgs, "Generated podcast outline with 4 segments")
	assert.True(t, hasSuffix(msgs, "completed (10)"), "research counter reaches 10")
	assert.True(t, hasSuffix(msgs, "completed (2)"), "post production counter reaches 2")
	assert.Contains(t, msgs, "market_research completed (4)")

	// Nested podcast progress is relabelled; the child's stop is not forwarded.
	var podcastProgress int
	for _, p := range out.progress() {
		if p.Workflow == PodcastWorkflow {
			podcastProgress++
		}
	}
	assert.Positive(t, podcastProgress)

	children, err := eng.ListRuns(context.Background(), api.RunListOptions{Workflow: PodcastWorkflow})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, api.StatusCompleted, children[0].Status)

	assert.Equal(t, 2, agents[TaskMarketResearch].(*Scripted).Calls())
	assert.Equal(t, 0, agents[TaskQnA].(*Scripted).Calls())
}

type capture struct {
	name   string
	reply  string
	inputs chan string
}

func (c *capture) Name() string { return c.name }

func (c *capture) Run(ctx context.Context, input string) api.Handle {
	c.inputs <- input
	s := api.NewStream()
	s.Finish(api.Result{Response: c.reply}, nil)
	return s
}

func TestResearch_UnknownRouteFallsBackToQnA(t *testing.T) {
	eng := newEngine(t, api.Config{})
	qna := &capture{name: TaskQnA, reply: "Sure, here is how.", inputs: make(chan string, 1)}
	agents := DemoAgents().With(NewScripted(TaskRouter, "  Something else  "), qna)

	out := startResearch(t, eng, agents, "how do I start?",
		api.WithHistory([]api.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}))
	require.NoError(t, out.err)
	require.Equal(t, "Sure, here is how.", out.result.Response)
	require.Contains(t, out.messages(), "routing to qna")

	prompt := <-qna.inputs
	require.Equal(t, "user: hi\nassistant: hello\nuser: how do I start?", prompt)
	require.Equal(t, 0, agents[TaskProblemValidator].(*Scripted).Calls())
}

func TestResearch_VagueIdeaStopsWithFeedback(t *testing.T) {
	eng := newEngine(t, api.Config{})
	agents := DemoAgents().With(NewScripted(TaskProblemValidator,
		"Here you go:\n```json\n"+`{"enough_information": false, "refined_problem_statement": "", "feedback": "Who are the users?"}`+"\n```"))

	out := startResearch(t, eng, agents, "people are lonely")
	require.NoError(t, out.err)
	require.Equal(t, "Who are the users?", out.result.Response)
	require.Contains(t, out.messages(), "more information needed")
	require.Equal(t, 0, agents[TaskCompetitorAnalysis].(*Scripted).Calls())
}

func TestResearch_PartialInitialJoin(t *testing.T) {
	eng := newEngine(t, api.Config{Joins: map[string]int{JoinInitialResearch: 3}})
	agents := DemoAgents().With(
		NewScripted(TaskMarketResearch, "Market draft 1", "Market draft 2").WithDelay(2 * time.Second),
	)

	out := startResearch(t, eng, agents, "An app for async standups")
	require.NoError(t, out.err)

	report := out.result.Value.(Report)
	assert.NotContains(t, report.Sections, "market_research")
	assert.Contains(t, report.Sections, "competitor_analysis")
	assert.Contains(t, out.messages(), "review_initial_research stage complete with 3 of 4 results")
}

func TestResearch_AnalystFailureFailsRun(t *testing.T) {
	eng := newEngine(t, api.Config{})
	failing := api.NewTask(TaskCustomerInsights, func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		return api.Result{}, errors.New("search quota exceeded")
	})
	agents := DemoAgents().With(failing)

	out := startResearch(t, eng, agents, "An app for async standups")
	require.Error(t, out.err)

	tf, ok := api.AsTaskFailure(out.err)
	require.True(t, ok)
	assert.Equal(t, TaskCustomerInsights, tf.Task)
	assert.Equal(t, "customer_insights", tf.Step)

	runs, err := eng.ListRuns(context.Background(), api.RunListOptions{Workflow: ResearchWorkflow})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, api.StatusFailed, runs[0].Status)
}

func TestResearch_AnalystRetriesTransientAgentFailure(t *testing.T) {
	prev := analystBackoff
	analystBackoff = time.Millisecond
	t.Cleanup(func() { analystBackoff = prev })

	eng := engine.NewEngineWithConfig(engine.Config{})
	opts := DefaultOptions()
	opts.AnalystAttempts = 2
	require.NoError(t, Register(eng, opts))

	var calls atomic.Int32
	flaky := api.NewTask(TaskCustomerInsights, func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		if calls.Add(1) == 1 {
			return api.Result{}, errors.New("search quota exceeded")
		}
		return api.Result{Response: "Customers want shorter meetings."}, nil
	})

	out := startResearch(t, eng, DemoAgents().With(flaky), "An app for async standups")
	require.NoError(t, out.err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, out.messages(), "retrying task customer_insights (attempt 2/2)")

	report, ok := out.result.Value.(Report)
	require.True(t, ok)
	assert.Equal(t, "Customers want shorter meetings.", report.Sections["customer_insights"])
}

func TestResearch_MissingAgentIsConfigurationError(t *testing.T) {
	eng := newEngine(t, api.Config{})
	agents := DemoAgents()
	delete(agents, TaskSummarizer)

	tasks, err := Tasks(eng, agents)
	require.NoError(t, err)

	_, err = eng.Start(context.Background(), ResearchWorkflow, api.StartEvent("idea", nil), api.WithTaskMap(tasks))
	require.ErrorIs(t, err, api.ErrConfiguration)
	require.ErrorContains(t, err, TaskSummarizer)
}

func TestPodcast_CappedScriptLoop(t *testing.T) {
	eng := newEngine(t, api.Config{})
	agents := DemoAgents().With(
		NewScripted(TaskScriptWriter, "Script draft 1", "Script draft 2", "Script draft 3", "Script draft 4"),
		NewScripted(TaskScriptCritic, `{"satisfied": false, "overall_rating": 5}`),
	)

	rec, err := eng.Run(context.Background(), PodcastWorkflow, "research notes", api.WithTaskMap(agents))
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, rec.Status)

	ep, ok := rec.Output.Value.(Episode)
	require.True(t, ok)
	assert.Equal(t, "Script draft 3", ep.Script)
	assert.Equal(t, 3, ep.Iterations)
	assert.True(t, ep.Capped)
	assert.Equal(t, "podcast.mp3", ep.Audio)
	assert.Equal(t, "Intro\nMarket\nRisks\nOutro", ep.Outline)
	assert.Equal(t, 3, agents[TaskScriptWriter].(*Scripted).Calls())
}

func TestRequiredTasks_CoveredByDemoAgents(t *testing.T) {
	require.Empty(t, DemoAgents().Missing(RequiredTasks()))
}

func TestParseProblemVerdict(t *testing.T) {
	v, err := ParseProblemVerdict(`noise {"enough_information": true, "refined_problem_statement": "p", "feedback": "f"} trailing`)
	require.NoError(t, err)
	require.Equal(t, ProblemVerdict{EnoughInformation: true, RefinedProblem: "p", Feedback: "f"}, v)

	_, err = ParseProblemVerdict("no json here")
	require.Error(t, err)

	_, err = ParseProblemVerdict("{not json}")
	require.Error(t, err)
}

func TestReport_MarkdownSortsSections(t *testing.T) {
	r := Report{
		Problem:  "p",
		Sections: map[string]string{"b": "second", "a": "first"},
		Summary:  "s",
		Podcast:  "pod",
	}
	md := r.Markdown()
	require.Less(t, strings.Index(md, "## a"), strings.Index(md, "## b"))
	require.True(t, strings.HasPrefix(md, "# Research report"))
	require.Contains(t, md, "## Summary\ns")
}
