package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/argus-audit/argus/pkg/checkpoint"
	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/tool"
)

// loop holds the mutable state of one phase run.
type loop struct {
	ec    *ExecutionContext
	state IterationState

	messages []llm.Message
	specs    []llm.ToolSpec
	diff     *models.StateDiff

	finalText string
	finished  bool
}

// Run executes the tool-calling loop for one phase and returns the
// accumulated diff. The diff is returned even on failure so the caller
// can keep partial results.
func Run(ctx context.Context, ec *ExecutionContext) *ExecutionResult {
	if ec.Budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.Budget.Timeout)
		defer cancel()
	}

	l := &loop{
		ec:       ec,
		state:    IterationState{MaxIterations: ec.Budget.MaxIterations},
		messages: initialMessages(ec),
		specs:    append(ec.Registry.Specs(ec.ToolNames), controlSpecs(ec.Phase)...),
		diff:     &models.StateDiff{},
	}
	return l.run(ctx)
}

func (l *loop) run(ctx context.Context) *ExecutionResult {
	for l.state.CurrentIteration < l.state.MaxIterations {
		l.state.CurrentIteration++

		if l.state.ShouldAbortOnTimeouts() {
			return l.fail(fmt.Errorf("aborting after %d consecutive LLM timeouts", l.state.ConsecutiveTimeoutFailures))
		}
		if budget := l.ec.Budget.TokenBudget; budget > 0 && l.diff.TokensUsed.TotalTokens >= budget {
			slog.Info("Token budget exhausted, concluding phase",
				"task_id", l.ec.TaskID, "phase", l.ec.Phase,
				"used", l.diff.TokensUsed.TotalTokens, "budget", budget)
			return l.forceConclusion(ctx, "the token budget is exhausted")
		}

		l.trimContext()

		resp, err := l.ec.Pool.Complete(ctx, l.ec.Provider, &llm.Request{
			Messages: l.messages,
			Tools:    l.specs,
		})
		if err != nil {
			if res := l.handleLLMError(ctx, err); res != nil {
				return res
			}
			continue
		}
		l.state.RecordSuccess()
		l.diff.TokensUsed.Accumulate(resp.Usage)

		l.messages = append(l.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if l.ec.Publisher != nil {
			l.ec.Publisher.AgentStep(l.ec.Phase, l.state.CurrentIteration, resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			// A plain assistant message with no tool calls is the final
			// answer for phases that never called finish.
			l.finalText = resp.Content
			return l.complete()
		}

		toolErr := l.dispatchToolCalls(ctx, resp.ToolCalls)
		l.maybeCheckpoint(ctx)
		if toolErr != nil {
			return l.fail(toolErr)
		}

		if l.finished {
			return l.complete()
		}
	}

	return l.forceConclusion(ctx, "the iteration limit is reached")
}

// handleLLMError decides whether an LLM failure ends the run. A nil
// return means the loop appended a retry turn and should continue.
func (l *loop) handleLLMError(ctx context.Context, err error) *ExecutionResult {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return &ExecutionResult{Status: StatusCancelled, Diff: l.diff, Err: ctx.Err()}
		}
		return l.fail(fmt.Errorf("phase deadline exceeded: %w", err))
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded)
	l.state.RecordFailure(err.Error(), isTimeout)
	if l.state.ShouldAbortOnTimeouts() {
		return l.fail(fmt.Errorf("aborting after %d consecutive LLM timeouts: %w",
			l.state.ConsecutiveTimeoutFailures, err))
	}

	slog.Warn("LLM interaction failed, retrying",
		"task_id", l.ec.TaskID, "phase", l.ec.Phase,
		"iteration", l.state.CurrentIteration, "error", err)
	l.messages = append(l.messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("The previous request failed (%v). Continue from where you left off.", err),
	})
	return nil
}

// dispatchToolCalls executes one assistant turn's tool calls. Control
// tools run inline because they mutate the diff; repository tools run
// in parallel, bounded, with results appended in call order. A non-nil
// return is a tool failure that must terminate the phase.
func (l *loop) dispatchToolCalls(ctx context.Context, calls []llm.ToolCall) error {
	results := make([]llm.Message, len(calls))
	fatals := make([]error, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelToolCalls)
	for i, tc := range calls {
		if isControlTool(tc.Name) {
			continue
		}
		i, tc := i, tc
		g.Go(func() error {
			results[i], fatals[i] = l.runRepositoryTool(gctx, tc)
			return nil
		})
	}
	g.Wait()

	for i, tc := range calls {
		if !isControlTool(tc.Name) {
			continue
		}
		out, done, err := l.runControl(tc)
		if err != nil {
			results[i] = toolErrorMessage(tc.ID, err)
			continue
		}
		if done {
			l.finished = true
		}
		results[i] = toolResultMessage(tc.ID, out)
	}

	l.messages = append(l.messages, results...)

	for _, err := range fatals {
		if err != nil {
			return err
		}
	}
	return nil
}

// runRepositoryTool executes one repository tool call. Failures are
// folded into the conversation as degraded results when
// continue_on_tool_failure allows it; otherwise the failure is returned
// and terminates the phase with the tool-error outcome.
func (l *loop) runRepositoryTool(ctx context.Context, tc llm.ToolCall) (llm.Message, error) {
	var input map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &input); err != nil {
			// The model produced bad arguments; tell it, don't die.
			return toolErrorMessage(tc.ID, fmt.Errorf("malformed arguments for %s: %w", tc.Name, err)), nil
		}
	}

	res := l.ec.Executor.Run(ctx, &tool.Invocation{
		Tool:   tc.Name,
		Caller: l.ec.Phase,
		Input:  input,
	})
	if res.Err == nil {
		return toolResultMessage(tc.ID, res.Output), nil
	}

	if l.ec.Fallback.ContinueOnToolFailure {
		return llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf(`{"error": %q, "outcome": %q}`, res.Err.Error(), res.Outcome),
		}, nil
	}
	return toolErrorMessage(tc.ID, res.Err),
		fmt.Errorf("tool %s failed (%s): %w", tc.Name, res.Outcome, res.Err)
}

// trimContext bounds the conversation to the last MaxContextMessages
// turns, oldest evicted. The system prompt always survives. A turn is a
// non-tool message together with the tool results that follow it, so an
// assistant tool-call message is never separated from its results.
func (l *loop) trimContext() {
	max := l.ec.Resource.MaxContextMessages
	if max <= 0 {
		return
	}

	head := 0
	for head < len(l.messages) && l.messages[head].Role == llm.RoleSystem {
		head++
	}

	var starts []int
	for i := head; i < len(l.messages); i++ {
		if l.messages[i].Role != llm.RoleTool {
			starts = append(starts, i)
		}
	}
	if len(starts) <= max {
		return
	}
	cut := starts[len(starts)-max]
	l.messages = append(l.messages[:head], l.messages[cut:]...)
}

func toolResultMessage(callID string, output map[string]any) llm.Message {
	content, err := json.Marshal(output)
	if err != nil {
		return toolErrorMessage(callID, fmt.Errorf("unencodable tool output: %w", err))
	}
	return llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: string(content)}
}

func toolErrorMessage(callID string, err error) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: callID,
		Content:    fmt.Sprintf(`{"error": %q}`, err.Error()),
	}
}

// forceConclusion makes one final call without tools so the model can
// summarize what it has. Partial results survive even if this fails.
func (l *loop) forceConclusion(ctx context.Context, reason string) *ExecutionResult {
	msgs := append(append([]llm.Message(nil), l.messages...), llm.Message{
		Role: llm.RoleUser,
		Content: fmt.Sprintf(
			"Stop: %s. Summarize your conclusions from the work so far. Tool calls are no longer available.", reason),
	})
	resp, err := l.ec.Pool.Complete(ctx, l.ec.Provider, &llm.Request{Messages: msgs})
	if err != nil {
		slog.Warn("Forced conclusion failed",
			"task_id", l.ec.TaskID, "phase", l.ec.Phase, "error", err)
		if l.finalText == "" {
			l.finalText = fmt.Sprintf("phase stopped: %s", reason)
		}
		return l.complete()
	}
	l.diff.TokensUsed.Accumulate(resp.Usage)
	l.finalText = resp.Content
	return l.complete()
}

func (l *loop) complete() *ExecutionResult {
	if summary := strings.TrimSpace(l.finalText); summary != "" {
		l.diff.Messages = append(l.diff.Messages, fmt.Sprintf("[%s] %s", l.ec.Phase, summary))
	}
	return &ExecutionResult{Status: StatusCompleted, FinalText: l.finalText, Diff: l.diff}
}

func (l *loop) fail(err error) *ExecutionResult {
	return &ExecutionResult{Status: StatusFailed, Diff: l.diff, Err: err}
}

// maybeCheckpoint counts this iteration against the checkpoint interval.
// A snapshot failure never interrupts the run.
func (l *loop) maybeCheckpoint(ctx context.Context) {
	if l.ec.Checkpoints == nil {
		return
	}
	cp, err := l.ec.Checkpoints.MaybeSaveIteration(ctx, l.snapshot())
	if err != nil {
		slog.Warn("Iteration checkpoint failed",
			"task_id", l.ec.TaskID, "phase", l.ec.Phase, "error", err)
		return
	}
	if cp != nil && l.ec.Publisher != nil {
		l.ec.Publisher.Checkpoint(int64(cp.Index), cp.Trigger)
	}
}

// snapshot captures the base state plus everything this run produced so
// far. The diff is not applied to the shared state here; resume replays
// it from the findings list.
func (l *loop) snapshot() *checkpoint.Snapshot {
	snap := &checkpoint.Snapshot{State: *l.ec.State}
	snap.State.Iteration = l.state.CurrentIteration
	snap.State.TokensUsed.Accumulate(l.diff.TokensUsed)

	all := make([]models.Finding, 0,
		l.ec.State.TotalFindings()+len(l.diff.NewFindings))
	all = append(all, l.ec.State.OpenFindings...)
	all = append(all, l.ec.State.VerifiedFindings...)
	all = append(all, l.ec.State.FalsePositives...)
	all = append(all, l.diff.NewFindings...)
	snap.Findings = all
	return snap
}
