// Package pipeline composes the engine primitives into the idea research
// pipeline: a routed research workflow that fans out to analyst tasks, joins
// their results stage by stage, and produces a summary plus a podcast via a
// nested podcast workflow.
package pipeline

import (
	"fmt"

	"github.com/petrijr/stageflow/pkg/api"
)

// Workflow names.
const (
	ResearchWorkflow = "research"
	PodcastWorkflow  = "podcast"
)

// Task names resolved from the run registry.
const (
	TaskRouter           = "router"
	TaskQnA              = "qna"
	TaskProblemValidator = "problem_validator"

	TaskMarketResearch     = "market_research"
	TaskMarketCritic       = "market_critic"
	TaskCompetitorAnalysis = "competitor_analysis"
	TaskCustomerInsights   = "customer_insights"
	TaskOnlineTrends       = "online_trends"
	TaskResearchReviewer   = "research_reviewer"

	TaskTechFeasibility       = "tech_feasibility"
	TaskFinanceFeasibility    = "finance_feasibility"
	TaskOperationsFeasibility = "operations_feasibility"

	TaskGoToMarket   = "go_to_market"
	TaskMonetization = "monetization"
	TaskRiskAnalysis = "risk_analysis"

	TaskSummarizer = "summarizer"

	TaskOutlineWriter = "outline_writer"
	TaskScriptWriter  = "script_writer"
	TaskScriptCritic  = "script_critic"
	TaskAudio         = "audio"
)

// SharedContext keys.
const (
	KeyProblem                 = "problem_statement"
	KeyReview                  = "research_review"
	KeyResearchCompleted       = "research_completed"
	KeyPostProductionCompleted = "post_production_completed"
)

// Options tune the pipeline definitions.
type Options struct {
	// MarketIterations bounds the market research revise loop. Zero uses
	// the run default.
	MarketIterations int

	// ScriptIterations bounds the podcast script revise loop.
	ScriptIterations int

	// AnalystAttempts is how many times an analyst step calls its agent
	// before the run fails. Values below 2 disable retries.
	AnalystAttempts int
}

// DefaultOptions returns the stock bounds.
func DefaultOptions() Options {
	return Options{ScriptIterations: 3}
}

// Register registers the podcast and research workflows on eng.
func Register(eng api.Engine, opts Options) error {
	if err := eng.RegisterWorkflow(Podcast(opts)); err != nil {
		return fmt.Errorf("register %s: %w", PodcastWorkflow, err)
	}
	if err := eng.RegisterWorkflow(Research(opts)); err != nil {
		return fmt.Errorf("register %s: %w", ResearchWorkflow, err)
	}
	return nil
}

// Tasks returns agents plus the podcast workflow exposed as a task, which is
// the registry a research run needs. The nested podcast runs share agents.
func Tasks(eng api.Engine, agents api.Tasks, opts ...api.RunOption) (api.Tasks, error) {
	childOpts := append([]api.RunOption{api.WithTaskMap(agents)}, opts...)
	podcast, err := eng.Task(PodcastWorkflow, childOpts...)
	if err != nil {
		return nil, err
	}
	return agents.With(podcast), nil
}

// RequiredTasks lists every agent task the pipeline delegates to.
func RequiredTasks() []string {
	return []string{
		TaskRouter, TaskQnA, TaskProblemValidator,
		TaskMarketResearch, TaskMarketCritic, TaskCompetitorAnalysis,
		TaskCustomerInsights, TaskOnlineTrends, TaskResearchReviewer,
		TaskTechFeasibility, TaskFinanceFeasibility, TaskOperationsFeasibility,
		TaskGoToMarket, TaskMonetization, TaskRiskAnalysis,
		TaskSummarizer,
		TaskOutlineWriter, TaskScriptWriter, TaskScriptCritic, TaskAudio,
	}
}
