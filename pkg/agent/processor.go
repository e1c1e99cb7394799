package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openwhale/openwhale/pkg/artifacts"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/memory"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/session"
	"github.com/openwhale/openwhale/pkg/skills"
	"github.com/openwhale/openwhale/pkg/tools"
	"github.com/openwhale/openwhale/pkg/usage"
	"github.com/openwhale/openwhale/pkg/utils"
)

const (
	// Each tool result is cut to this many characters before it goes
	// back into the conversation.
	toolResultLimit = 10000
	// Files larger than this are never auto-delivered as documents.
	maxDocumentBytes     = 50 << 20
	defaultMaxIterations = 25
	// Sent when the model produced tool calls but never a final text.
	fallbackReply   = "Done!"
	errorReplyLimit = 400

	sendImageSuffix = "_send_image"
)

// Callbacks are the channel's outbound primitives. SendText is always
// required; SendImage and SendDocument are nil on channels that cannot
// carry that payload.
type Callbacks struct {
	SendText     func(text string) error
	SendImage    func(path, caption string) error
	SendDocument func(path, caption string) error
}

// Request is one inbound message handed to the processor by a channel.
type Request struct {
	Channel    string
	SenderID   string
	SenderName string
	Content    string
	Media      []providers.MediaImage
	IsGroup    bool
	// Model overrides the registry's current model for this run.
	Model     string
	Callbacks Callbacks
}

// Result is the processing outcome returned to the channel.
type Result struct {
	Success bool
	// Handled means a slash command answered without touching the model.
	Handled bool
	Reply   string
	Err     error
}

// runState is per-run scratch space. Artifacts produced by capture
// tools live here until a send tool consumes them; the bag never
// survives into the next message.
type runState struct {
	artifacts map[string]string
	warned    bool
}

// Processor drives the message-processing loop: session resolution,
// slash commands, the bounded tool-calling iteration with the model,
// and the final reply delivery. All dependencies are injected.
type Processor struct {
	workspace     string
	maxIterations int
	maxTokens     int
	temperature   float64

	providers *providers.Registry
	tools     *tools.Registry
	skills    *skills.Registry
	sessions  *session.Store
	usage     *usage.Store
	artifacts *artifacts.Store
	builder   *ContextBuilder
	compactor *Compactor

	failover FailureReporter

	sessionLocks sync.Map
}

// FailureReporter observes model-call outcomes so a fallback policy
// can rotate the active model. Implemented by the failover manager.
type FailureReporter interface {
	ReportFailure(model string, err error) (to string, switched bool)
	ReportSuccess(model string)
}

// SetFailover installs the model-fallback policy. Optional; without it
// a model-call failure just ends the run.
func (p *Processor) SetFailover(f FailureReporter) {
	p.failover = f
}

func NewProcessor(
	cfg *config.Config,
	reg *providers.Registry,
	toolReg *tools.Registry,
	skillReg *skills.Registry,
	sessions *session.Store,
	mem *memory.Store,
	usageStore *usage.Store,
	artifactStore *artifacts.Store,
	loader *skills.Loader,
) *Processor {
	maxIter := cfg.Agent.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Processor{
		workspace:     cfg.Agent.Workspace,
		maxIterations: maxIter,
		maxTokens:     cfg.Agent.MaxTokens,
		temperature:   cfg.Agent.Temperature,
		providers:     reg,
		tools:         toolReg,
		skills:        skillReg,
		sessions:      sessions,
		usage:         usageStore,
		artifacts:     artifactStore,
		builder:       NewContextBuilder(cfg.Agent.Workspace, loader, skillReg, mem),
		compactor:     NewCompactor(reg, sessions, cfg.Agent.ContextWindow),
	}
}

// ProcessMessage runs one inbound message end to end. Any internal
// failure is converted into a bounded error reply on the channel; the
// method itself never panics outward.
func (p *Processor) ProcessMessage(ctx context.Context, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("internal error: %v", r)
			logger.ErrorCF("agent", "Panic while processing message",
				map[string]interface{}{"channel": req.Channel, "panic": fmt.Sprintf("%v", r)})
			p.sendError(req, err)
			result = Result{Success: false, Err: err}
		}
	}()

	res, err := p.process(ctx, req)
	if err != nil {
		p.sendError(req, err)
		return Result{Success: false, Err: err}
	}
	return res
}

func (p *Processor) sendError(req Request, err error) {
	if req.Callbacks.SendText == nil {
		return
	}
	msg := TruncateReply("Error: "+err.Error(), errorReplyLimit)
	if sendErr := req.Callbacks.SendText(msg); sendErr != nil {
		logger.ErrorCF("agent", "Failed to deliver error reply",
			map[string]interface{}{"channel": req.Channel, "error": sendErr.Error()})
	}
}

func (p *Processor) process(ctx context.Context, req Request) (Result, error) {
	// Model resolution is a hard precondition: no session state is
	// touched when no provider can serve the run.
	model := req.Model
	if model == "" {
		model = p.providers.CurrentModel()
	}
	if _, err := p.providers.Resolve(model); err != nil {
		return Result{}, fmt.Errorf("no usable model: %w", err)
	}

	conversationType := session.TypeDM
	if req.IsGroup {
		conversationType = session.TypeGroup
	}
	sessionKey := session.SessionKey(req.Channel, conversationType, req.SenderID)

	lock := p.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sctx, err := p.sessions.GetSessionContext(req.Channel, conversationType, req.SenderID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve session: %w", err)
	}

	if handled, response := p.sessions.HandleSlashCommand(req.Content, sctx.Session, p.commandHooks(sessionKey)); handled {
		if err := req.Callbacks.SendText(response); err != nil {
			logger.WarnCF("agent", "Failed to send command response",
				map[string]interface{}{"channel": req.Channel, "error": err.Error()})
		}
		return Result{Success: true, Handled: true, Reply: response}, nil
	}

	logger.InfoCF("agent", "Processing message", map[string]interface{}{
		"channel": req.Channel,
		"sender":  req.SenderID,
		"session": sessionKey,
		"model":   model,
		"chars":   len(req.Content),
	})

	runReg, toolSummaries := p.buildRunTools(req.Channel)

	systemPrompt := p.builder.BuildSystemPrompt(req.Channel, p.senderLabel(req), toolSummaries)

	if err := p.sessions.RecordUserMessage(sessionKey, req.Content, req.Media); err != nil {
		logger.WarnCF("agent", "Failed to record user message",
			map[string]interface{}{"session": sessionKey, "error": err.Error()})
	}
	messages := p.builder.BuildMessages(systemPrompt, sctx.History, req.Content, req.Media)

	run := &runState{artifacts: make(map[string]string)}
	defs := append(runReg.Definitions(), sendImageDefinition(req.Channel))

	reply, err := p.runLoop(ctx, req, run, runReg, defs, messages, model, sessionKey)
	if err != nil {
		return Result{}, err
	}

	reply = TruncateReply(reply, OutboundLimit(req.Channel))
	if err := p.sessions.RecordAssistantMessage(sessionKey, reply); err != nil {
		logger.WarnCF("agent", "Failed to record assistant reply",
			map[string]interface{}{"session": sessionKey, "error": err.Error()})
	}
	if err := p.sessions.FinalizeExchange(sessionKey); err != nil {
		logger.WarnCF("agent", "Failed to finalize exchange",
			map[string]interface{}{"session": sessionKey, "error": err.Error()})
	}

	if err := req.Callbacks.SendText(reply); err != nil {
		return Result{Reply: reply}, fmt.Errorf("send reply: %w", err)
	}
	return Result{Success: true, Reply: reply}, nil
}

// runLoop is the bounded tool-calling iteration. It returns the final
// reply text; running out of iterations is normal completion.
func (p *Processor) runLoop(
	ctx context.Context,
	req Request,
	run *runState,
	runReg *tools.Registry,
	defs []providers.ToolDefinition,
	messages []providers.Message,
	model, sessionKey string,
) (string, error) {
	options := map[string]interface{}{}
	if p.maxTokens > 0 {
		options["max_tokens"] = p.maxTokens
	}
	if p.temperature > 0 {
		options["temperature"] = p.temperature
	}

	warnAt := p.maxIterations - p.maxIterations/5 + 1
	failedOver := false

	for iteration := 1; iteration <= p.maxIterations; iteration++ {
		if iteration >= warnAt && !run.warned {
			run.warned = true
			messages = append(messages, providers.Message{
				Role:    "system",
				Content: "You are close to the tool-call limit for this turn. Wrap up: finish with a text reply instead of starting new tool work.",
			})
		}

		messages = p.compactor.CompactIfNeeded(ctx, messages, model, sessionKey)

		resp, err := p.providers.Complete(ctx, messages, defs, model, options)
		if err != nil {
			if p.failover != nil && !failedOver {
				if to, switched := p.failover.ReportFailure(model, err); switched {
					failedOver = true
					model = to
					iteration--
					continue
				}
			}
			return "", fmt.Errorf("model call failed: %w", err)
		}
		if p.failover != nil {
			p.failover.ReportSuccess(model)
		}
		p.recordUsage(sessionKey, model, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				return resp.Content, nil
			}
			return fallbackReply, nil
		}

		logger.DebugCF("agent", "Model requested tools", map[string]interface{}{
			"iteration": iteration,
			"count":     len(resp.ToolCalls),
		})

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content}
		for _, tc := range resp.ToolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, normalizeToolCall(tc))
		}
		messages = append(messages, assistantMsg)
		if err := p.sessions.RecordToolUse(sessionKey, resp.Content, assistantMsg.ToolCalls); err != nil {
			logger.WarnCF("agent", "Failed to record tool use",
				map[string]interface{}{"session": sessionKey, "error": err.Error()})
		}

		for _, tc := range assistantMsg.ToolCalls {
			content := p.executeToolCall(ctx, req, run, runReg, tc)
			content = utils.Truncate(content, toolResultLimit)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
			if err := p.sessions.RecordToolResult(sessionKey, tc.ID, content); err != nil {
				logger.WarnCF("agent", "Failed to record tool result",
					map[string]interface{}{"session": sessionKey, "error": err.Error()})
			}
		}
	}

	logger.WarnCF("agent", "Tool iteration budget exhausted",
		map[string]interface{}{"session": sessionKey, "max": p.maxIterations})
	return fallbackReply, nil
}

// executeToolCall runs one tool call and returns the content for the
// conversation. Tool failures never abort the run; they come back as
// error text the model can react to.
func (p *Processor) executeToolCall(ctx context.Context, req Request, run *runState, runReg *tools.Registry, tc providers.ToolCall) string {
	name := tc.Name
	if name == "" && tc.Function != nil {
		name = tc.Function.Name
	}

	if name == req.Channel+sendImageSuffix {
		return p.sendPendingImage(req, run, tc.Arguments)
	}

	result := runReg.Execute(ctx, name, tc.Arguments)

	if result.Metadata != nil {
		if kind := result.Metadata[tools.MetaArtifactKind]; kind != "" {
			// Later captures overwrite earlier ones; at most one
			// artifact per kind is ever pending.
			run.artifacts[kind] = result.Metadata[tools.MetaArtifactPath]
		}
		if filePath := result.Metadata[tools.MetaFilePath]; filePath != "" {
			p.autoDeliverDocument(req, filePath)
		}
	}

	if result.ForUser != "" && !result.Silent && req.Callbacks.SendText != nil {
		if err := req.Callbacks.SendText(result.ForUser); err != nil {
			logger.WarnCF("agent", "Failed to send tool progress",
				map[string]interface{}{"tool": name, "error": err.Error()})
		}
	}

	content := result.ForLLM
	if content == "" && result.Err != nil {
		content = result.Err.Error()
	}
	if content == "" {
		content = "(no result)"
	}
	if result.IsError {
		logger.WarnCF("agent", "Tool returned error", map[string]interface{}{
			"tool":   name,
			"result": utils.Truncate(content, 200),
		})
	}
	return content
}

// sendPendingImage consumes the run's image artifact. Calling it with
// nothing captured is an explicit error back to the model, not a crash.
func (p *Processor) sendPendingImage(req Request, run *runState, args map[string]interface{}) string {
	path := run.artifacts[tools.ArtifactImage]
	if path == "" {
		return "Error: no image available to send. Capture one first with a screenshot or camera tool."
	}
	if req.Callbacks.SendImage == nil {
		return fmt.Sprintf("Error: channel %s cannot deliver images.", req.Channel)
	}

	caption := ""
	if c, ok := args["caption"].(string); ok {
		caption = c
	}
	if err := req.Callbacks.SendImage(path, caption); err != nil {
		return fmt.Sprintf("Error sending image: %v", err)
	}

	delete(run.artifacts, tools.ArtifactImage)
	if p.artifacts != nil {
		if _, err := p.artifacts.SaveFromLocalFile(req.Channel, req.SenderID, filepath.Base(path), "image/png", "image", path); err != nil {
			logger.DebugCF("agent", "Could not archive sent image",
				map[string]interface{}{"path": path, "error": err.Error()})
		}
	}
	return "Image sent successfully!"
}

// autoDeliverDocument pushes a tool-produced file to the user when the
// channel supports documents. Delivery problems are logged, never fed
// back to the model.
func (p *Processor) autoDeliverDocument(req Request, path string) {
	if req.Callbacks.SendDocument == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		logger.WarnCF("agent", "Produced file missing, skipping delivery",
			map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	if info.IsDir() {
		return
	}
	if info.Size() > maxDocumentBytes {
		logger.WarnCF("agent", "Produced file too large to deliver",
			map[string]interface{}{"path": path, "bytes": info.Size()})
		return
	}
	if err := req.Callbacks.SendDocument(path, ""); err != nil {
		logger.WarnCF("agent", "Document delivery failed",
			map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	logger.InfoCF("agent", "Delivered produced file",
		map[string]interface{}{"path": path, "bytes": info.Size()})
}

// buildRunTools assembles the per-run tool set: every base tool plus
// the tools of skills that are ready right now. Not-ready skills are
// invisible to the model.
func (p *Processor) buildRunTools(channel string) (*tools.Registry, []string) {
	runReg := tools.NewRegistry()
	for _, name := range p.tools.Names() {
		if t, ok := p.tools.Get(name); ok {
			runReg.Register(t)
		}
	}
	if p.skills != nil {
		for _, t := range p.skills.ReadyTools() {
			runReg.Register(t)
		}
	}

	summaries := runReg.Summaries()
	summaries = append(summaries, fmt.Sprintf("- **%s%s**: Send the most recently captured image to the user, with an optional caption.", channel, sendImageSuffix))
	return runReg, summaries
}

func sendImageDefinition(channel string) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        channel + sendImageSuffix,
			Description: "Send the most recently captured image to the user on this channel.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"caption": map[string]interface{}{
						"type":        "string",
						"description": "Optional caption shown with the image",
					},
				},
			},
		},
	}
}

func (p *Processor) commandHooks(sessionKey string) session.Hooks {
	return session.Hooks{
		CurrentModel: p.providers.CurrentModel,
		SetModel:     p.providers.SetCurrentModel,
		ListModels:   p.providers.Providers,
		UsageSummary: func(key string) string {
			if key == "" {
				key = sessionKey
			}
			return usage.SessionSummary(p.usage, key)
		},
	}
}

func (p *Processor) recordUsage(sessionKey, model string, u *providers.UsageInfo) {
	if p.usage == nil {
		return
	}
	rec := usage.Record{
		Timestamp:  time.Now().UTC(),
		SessionKey: sessionKey,
		Provider:   providers.InferProviderFromModel(model),
		Model:      model,
	}
	if u != nil {
		rec.UsageKnown = true
		rec.PromptTokens = u.PromptTokens
		rec.CompletionTokens = u.CompletionTokens
		rec.TotalTokens = u.TotalTokens
	}
	if err := p.usage.Append(rec); err != nil {
		logger.DebugCF("agent", "Failed to record usage",
			map[string]interface{}{"error": err.Error()})
	}
}

func (p *Processor) lockFor(sessionKey string) *sync.Mutex {
	v, _ := p.sessionLocks.LoadOrStore(sessionKey, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (p *Processor) senderLabel(req Request) string {
	if req.SenderName != "" {
		return fmt.Sprintf("%s (%s)", req.SenderName, req.SenderID)
	}
	return req.SenderID
}

// normalizeToolCall fills the wire-level function envelope so history
// round-trips through providers that require it.
func normalizeToolCall(tc providers.ToolCall) providers.ToolCall {
	if tc.Name == "" && tc.Function != nil {
		tc.Name = tc.Function.Name
	}
	if tc.Function == nil {
		argsJSON, _ := json.Marshal(tc.Arguments)
		tc.Function = &providers.FunctionCall{Name: tc.Name, Arguments: string(argsJSON)}
	}
	if tc.Type == "" {
		tc.Type = "function"
	}
	return tc
}
