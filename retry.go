package stageflow

import "time"

// RetryBuilder assembles the RetryPolicy for FlowBuilder.StepWithRetry.
//
// Agent calls are the usual reason a step fails transiently, so a policy
// can be narrowed to delegated task failures, or to specific tasks:
//
//	Retry(3).Exponential(200*time.Millisecond, 2*time.Second).OnTasks("market_research")
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry allows up to attempts calls of the step, the first one included.
// Values below 1 mean a single call.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

// Exponential doubles the pause between attempts, starting at initial and
// never exceeding ceiling when ceiling is positive.
func (b RetryBuilder) Exponential(initial, ceiling time.Duration) RetryBuilder {
	b.policy.InitialBackoff = initial
	b.policy.MaxBackoff = ceiling
	b.policy.BackoffMultiplier = 2
	return b
}

// Constant pauses for delay before every retry.
func (b RetryBuilder) Constant(delay time.Duration) RetryBuilder {
	b.policy.InitialBackoff = delay
	b.policy.MaxBackoff = 0
	b.policy.BackoffMultiplier = 1
	return b
}

// Immediate retries without pausing.
func (b RetryBuilder) Immediate() RetryBuilder {
	b.policy.InitialBackoff = 0
	b.policy.MaxBackoff = 0
	b.policy.BackoffMultiplier = 0
	return b
}

// OnTaskFailure retries only when a delegated task failed. Errors returned
// by the step body fail the run on the first attempt.
func (b RetryBuilder) OnTaskFailure() RetryBuilder {
	b.policy.TaskFailuresOnly = true
	return b
}

// OnTasks retries only failures of the named tasks.
func (b RetryBuilder) OnTasks(tasks ...string) RetryBuilder {
	b.policy.TaskFailuresOnly = true
	b.policy.Tasks = append(append([]string(nil), b.policy.Tasks...), tasks...)
	return b
}

// Policy returns the assembled policy.
func (b RetryBuilder) Policy() RetryPolicy {
	p := b.policy
	p.Tasks = append([]string(nil), p.Tasks...)
	return p
}
