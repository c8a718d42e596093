package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// Research workflow event kinds.
const (
	KindResearch    api.Kind = "research"
	KindQnA         api.Kind = "qna"
	KindPipeline    api.Kind = "pipeline.start"
	KindMarket      api.Kind = "market_research.complete"
	KindCompetitor  api.Kind = "competitor_analysis.complete"
	KindCustomer    api.Kind = "customer_insights.complete"
	KindTrends      api.Kind = "online_trends.complete"
	KindFeasibility api.Kind = "feasibility.start"
	KindTech        api.Kind = "tech_feasibility.complete"
	KindFinance     api.Kind = "finance_feasibility.complete"
	KindOperations  api.Kind = "operations_feasibility.complete"
	KindStrategy    api.Kind = "strategy.start"
	KindGoToMarket  api.Kind = "go_to_market.complete"
	KindMonetize    api.Kind = "monetization.complete"
	KindRisk        api.Kind = "risk_analysis.complete"
	KindOutput      api.Kind = "output.start"
	KindPodcast     api.Kind = "podcast.complete"
	KindSummary     api.Kind = "summary.complete"
)

// Join step names. Their quotas can be overridden through api.Config.Joins.
const (
	JoinInitialResearch = "review_initial_research"
	JoinFeasibility     = "review_feasibility"
	JoinStrategy        = "review_strategy"
	JoinOutput          = "finalize"
)

// Report is the Value of a completed research run.
type Report struct {
	Problem  string
	Sections map[string]string
	Summary  string
	Podcast  string
}

// Markdown renders the report.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research report\n\n## Problem\n%s\n", r.Problem)
	names := make([]string, 0, len(r.Sections))
	for name := range r.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n## %s\n%s\n", name, r.Sections[name])
	}
	fmt.Fprintf(&b, "\n## Summary\n%s\n\n## Podcast\n%s\n", r.Summary, r.Podcast)
	return b.String()
}

// ProblemVerdict is the problem validator's structured answer.
type ProblemVerdict struct {
	EnoughInformation bool   `json:"enough_information"`
	RefinedProblem    string `json:"refined_problem_statement"`
	Feedback          string `json:"feedback"`
}

// ParseProblemVerdict decodes the first JSON object in s.
func ParseProblemVerdict(s string) (ProblemVerdict, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ProblemVerdict{}, fmt.Errorf("problem validator returned no JSON object")
	}
	var v ProblemVerdict
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return ProblemVerdict{}, fmt.Errorf("decode problem validator answer: %w", err)
	}
	return v, nil
}

type analyst struct {
	step string
	task string
	on   api.Kind
	emit api.Kind
}

var (
	initialAnalysts = []analyst{
		{step: "competitor_analysis", task: TaskCompetitorAnalysis, on: KindPipeline, emit: KindCompetitor},
		{step: "customer_insights", task: TaskCustomerInsights, on: KindPipeline, emit: KindCustomer},
		{step: "online_trends", task: TaskOnlineTrends, on: KindPipeline, emit: KindTrends},
	}
	feasibilityAnalysts = []analyst{
		{step: "tech_feasibility", task: TaskTechFeasibility, on: KindFeasibility, emit: KindTech},
		{step: "finance_feasibility", task: TaskFinanceFeasibility, on: KindFeasibility, emit: KindFinance},
		{step: "operations_feasibility", task: TaskOperationsFeasibility, on: KindFeasibility, emit: KindOperations},
	}
	strategyAnalysts = []analyst{
		{step: "go_to_market", task: TaskGoToMarket, on: KindStrategy, emit: KindGoToMarket},
		{step: "monetization", task: TaskMonetization, on: KindStrategy, emit: KindMonetize},
		{step: "risk_analysis", task: TaskRiskAnalysis, on: KindStrategy, emit: KindRisk},
	}
)

// analystBackoff is the pause before an analyst's first retry.
var analystBackoff = 200 * time.Millisecond

// Research returns the research workflow definition.
func Research(opts Options) api.WorkflowDefinition {
	route, err := api.DecisionStep(api.DecisionSpec{
		Name:       "route",
		Classifier: TaskRouter,
		Routes: map[string]api.Kind{
			"research": KindResearch,
			"qna":      KindQnA,
		},
		Default: KindQnA,
	})
	if err != nil {
		// Static routes; only a programming error gets here.
		panic(err)
	}

	market := api.ReviseLoop{
		Name:          "market_research",
		Producer:      TaskMarketResearch,
		Critic:        TaskMarketCritic,
		MaxIterations: opts.MarketIterations,
		Trigger:       []api.Kind{KindPipeline},
		Done:          KindMarket,
	}
	marketSteps, err := market.Steps()
	if err != nil {
		panic(err)
	}

	steps := []api.StepDefinition{
		route,
		{
			Name:     "qna",
			Accepts:  []api.Kind{KindQnA},
			Requires: []string{TaskQnA},
			Fn:       answer,
		},
		{
			Name:     "validate_problem",
			Accepts:  []api.Kind{KindResearch},
			Emits:    []api.Kind{KindPipeline},
			Requires: []string{TaskProblemValidator},
			Fn:       validateProblem,
		},
	}
	steps = append(steps, marketSteps...)
	for _, a := range initialAnalysts {
		steps = append(steps, a.definition(KeyResearchCompleted, opts.AnalystAttempts))
	}
	steps = append(steps, joinStep(JoinInitialResearch,
		[]api.Kind{KindMarket, KindCompetitor, KindCustomer, KindTrends},
		KindFeasibility, TaskResearchReviewer))

	for _, a := range feasibilityAnalysts {
		steps = append(steps, a.definition(KeyResearchCompleted, opts.AnalystAttempts))
	}
	steps = append(steps, joinStep(JoinFeasibility,
		[]api.Kind{KindTech, KindFinance, KindOperations}, KindStrategy, ""))

	for _, a := range strategyAnalysts {
		steps = append(steps, a.definition(KeyResearchCompleted, opts.AnalystAttempts))
	}
	steps = append(steps, joinStep(JoinStrategy,
		[]api.Kind{KindGoToMarket, KindMonetize, KindRisk}, KindOutput, ""))

	steps = append(steps,
		api.StepDefinition{
			Name:     "produce_podcast",
			Accepts:  []api.Kind{KindOutput},
			Emits:    []api.Kind{KindPodcast},
			Requires: []string{PodcastWorkflow},
			Fn:       producePodcast,
		},
		api.StepDefinition{
			Name:     "summarize",
			Accepts:  []api.Kind{KindOutput},
			Emits:    []api.Kind{KindSummary},
			Requires: []string{TaskSummarizer},
			Fn:       summarize,
		},
		api.StepDefinition{
			Name:    JoinOutput,
			Accepts: []api.Kind{KindPodcast, KindSummary},
			Join:    &api.JoinSpec{Required: 2},
			Fn:      finalize,
		},
	)

	return api.WorkflowDefinition{Name: ResearchWorkflow, Steps: steps}
}

func answer(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	var b strings.Builder
	for _, m := range sc.History() {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "user: %s", ev.Input)

	res, err := api.DelegateTask(ctx, sc, TaskQnA, b.String())
	if err != nil {
		return api.StepResult{}, err
	}
	return api.Terminate(res), nil
}

// validateProblem stops the run with the validator's follow-up questions
// when the idea is too vague to research.
func validateProblem(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	res, err := api.DelegateTask(ctx, sc, TaskProblemValidator, problemPrompt(ev.Input, sc.History()))
	if err != nil {
		return api.StepResult{}, err
	}
	v, err := ParseProblemVerdict(res.Response)
	if err != nil {
		return api.StepResult{}, err
	}
	if !v.EnoughInformation || strings.TrimSpace(v.RefinedProblem) == "" {
		sc.Progress("validate_problem", "more information needed")
		return api.Terminate(api.Result{Response: v.Feedback, Value: v}), nil
	}

	sc.Set(KeyProblem, v.RefinedProblem)
	sc.Progress("validate_problem", "problem statement accepted")
	next := api.NewEvent(KindPipeline, v.RefinedProblem)
	next.Flags = ev.Flags
	return api.Advance(next), nil
}

func problemPrompt(input string, history []api.Message) string {
	var b strings.Builder
	b.WriteString("Chat history:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nUser input:\n%s\n\n", input)
	b.WriteString(`Answer with a JSON object with the fields "enough_information" (boolean), "refined_problem_statement" (string) and "feedback" (string).`)
	return b.String()
}

func (a analyst) definition(counter string, attempts int) api.StepDefinition {
	var retry *api.RetryPolicy
	if attempts > 1 {
		retry = &api.RetryPolicy{
			MaxAttempts:    attempts,
			InitialBackoff: analystBackoff,
			Tasks:          []string{a.task},
		}
	}
	return api.StepDefinition{
		Name:     a.step,
		Accepts:  []api.Kind{a.on},
		Emits:    []api.Kind{a.emit},
		Requires: []string{a.task},
		Retry:    retry,
		Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
			res, err := api.DelegateTask(ctx, sc, a.task, ev.Input)
			if err != nil {
				return api.StepResult{}, err
			}
			record(sc, a.step, counter, res.Response)
			return api.Advance(api.NewEvent(a.emit, res.Response).WithData(res)), nil
		},
	}
}

// record stores a partial output under its step name and bumps counter.
func record(sc *api.StepContext, name, counter, output string) {
	sc.Set(name, output)
	n := sc.Incr(counter)
	sc.Progressf(name, "%s completed (%d)", name, n)
}

// joinStep combines the sections of the joined events and advances with
// emit. With a reviewer task the combined text is reviewed first.
func joinStep(name string, accepts []api.Kind, emit api.Kind, reviewer string) api.StepDefinition {
	def := api.StepDefinition{
		Name:    name,
		Accepts: accepts,
		Emits:   []api.Kind{emit},
		Join:    &api.JoinSpec{Required: len(accepts)},
	}
	if reviewer != "" {
		def.Requires = []string{reviewer}
	}
	def.Fn = func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
		for _, j := range ev.Joined {
			// Composite producers such as revise loops do not record
			// their own section.
			if _, ok := sc.Get(section(j.Kind)); !ok {
				record(sc, section(j.Kind), KeyResearchCompleted, j.Input)
			}
		}
		combined := combine(sc.GetString(KeyProblem), ev.Joined)
		if reviewer != "" {
			res, err := api.DelegateTask(ctx, sc, reviewer, combined)
			if err != nil {
				return api.StepResult{}, err
			}
			sc.Set(KeyReview, res.Response)
			combined = res.Response
		}
		sc.Progressf(name, "stage complete with %d of %d results", len(ev.Joined), len(accepts))
		next := api.NewEvent(emit, combined)
		next.Flags = ev.Flags
		return api.Advance(next), nil
	}
	return def
}

func combine(problem string, joined []api.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem:\n%s\n", problem)
	for _, j := range joined {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", section(j.Kind), j.Input)
	}
	return b.String()
}

// section is the name partial outputs of kind are stored under.
func section(k api.Kind) string {
	return strings.TrimSuffix(string(k), ".complete")
}

func producePodcast(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	podcast, err := sc.Task(PodcastWorkflow)
	if err != nil {
		return api.StepResult{}, err
	}
	res, err := api.Delegate(ctx, sc, podcast, ev.Input, PodcastWorkflow)
	if err != nil {
		return api.StepResult{}, err
	}
	record(sc, "podcast", KeyPostProductionCompleted, res.Response)
	return api.Advance(api.NewEvent(KindPodcast, res.Response).WithData(res)), nil
}

func summarize(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	res, err := api.DelegateTask(ctx, sc, TaskSummarizer, ev.Input)
	if err != nil {
		return api.StepResult{}, err
	}
	record(sc, "summary", KeyPostProductionCompleted, res.Response)
	return api.Advance(api.NewEvent(KindSummary, res.Response).WithData(res)), nil
}

func finalize(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	report := Report{
		Problem:  sc.GetString(KeyProblem),
		Sections: make(map[string]string),
	}
	names := []string{section(KindMarket)}
	for _, group := range [][]analyst{initialAnalysts, feasibilityAnalysts, strategyAnalysts} {
		for _, a := range group {
			names = append(names, a.step)
		}
	}
	for _, name := range names {
		if out := sc.GetString(name); out != "" {
			report.Sections[name] = out
		}
	}
	if review := sc.GetString(KeyReview); review != "" {
		report.Sections["research_review"] = review
	}
	for _, j := range ev.Joined {
		switch j.Kind {
		case KindPodcast:
			report.Podcast = j.Input
		case KindSummary:
			report.Summary = j.Input
		}
	}
	return api.Terminate(api.Result{Response: report.Markdown(), Value: report}), nil
}
