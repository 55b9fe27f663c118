// Package decision parses model output into a decision and routes it to
// auto-execution, approval or rejection.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"flowagent/internal/model"
)

// ErrClassification is returned when the model response cannot be turned into a decision
// and the no-action fallback is disabled.
var ErrClassification = errors.New("classification failed")

// Config is the runtime-updatable routing policy.
type Config struct {
	AutoExecuteThreshold     float64
	RequireApprovalThreshold float64
	EnabledActions           []string
	FallbackOnParseError     bool
}

// Engine 决策引擎：解析模型输出并给出路由结论
type Engine struct {
	mu       sync.RWMutex
	auto     float64
	approval float64
	enabled  map[string]bool
	fallback bool
	logger   *zap.Logger
}

func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{logger: logger}
	if err := e.Update(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Update swaps thresholds and the enabled-action set in place.
func (e *Engine) Update(cfg Config) error {
	if cfg.RequireApprovalThreshold < 0 || cfg.AutoExecuteThreshold > 1 {
		return fmt.Errorf("thresholds must lie in [0,1]")
	}
	if cfg.RequireApprovalThreshold > cfg.AutoExecuteThreshold {
		return fmt.Errorf("approval threshold %.2f exceeds auto-execute threshold %.2f",
			cfg.RequireApprovalThreshold, cfg.AutoExecuteThreshold)
	}
	enabled := make(map[string]bool, len(cfg.EnabledActions))
	for _, a := range cfg.EnabledActions {
		enabled[a] = true
	}

	e.mu.Lock()
	e.auto = cfg.AutoExecuteThreshold
	e.approval = cfg.RequireApprovalThreshold
	e.enabled = enabled
	e.fallback = cfg.FallbackOnParseError
	e.mu.Unlock()

	e.logger.Info("decision policy updated",
		zap.Float64("auto_execute_threshold", cfg.AutoExecuteThreshold),
		zap.Float64("require_approval_threshold", cfg.RequireApprovalThreshold),
		zap.Strings("enabled_actions", cfg.EnabledActions),
	)
	return nil
}

// SetThresholds updates only the confidence cut-points.
func (e *Engine) SetThresholds(auto, approval float64) error {
	cfg := e.Config()
	cfg.AutoExecuteThreshold = auto
	cfg.RequireApprovalThreshold = approval
	return e.Update(cfg)
}

// SetEnabledActions updates only the enabled-action set.
func (e *Engine) SetEnabledActions(actions []string) error {
	cfg := e.Config()
	cfg.EnabledActions = actions
	return e.Update(cfg)
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	actions := make([]string, 0, len(e.enabled))
	for a := range e.enabled {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return Config{
		AutoExecuteThreshold:     e.auto,
		RequireApprovalThreshold: e.approval,
		EnabledActions:           actions,
		FallbackOnParseError:     e.fallback,
	}
}

// ProcessLLMResponse parses the raw model text. On parse or validation failure it returns
// a no_action decision with confidence 0 when the fallback is enabled, else ErrClassification.
func (e *Engine) ProcessLLMResponse(text string, dctx model.DecisionContext) (model.AgentDecisionResult, error) {
	result, err := parseResponse(text)
	if err == nil {
		err = validate(result, dctx.AvailableActions)
	}
	if err != nil {
		e.mu.RLock()
		fallback := e.fallback
		e.mu.RUnlock()

		e.logger.Warn("model response rejected",
			zap.String("session_id", dctx.SessionID),
			zap.Bool("fallback", fallback),
			zap.Error(err),
		)
		if !fallback {
			return model.AgentDecisionResult{}, fmt.Errorf("%w: %v", ErrClassification, err)
		}
		return NoAction(fmt.Sprintf("could not interpret model response: %v", err)), nil
	}
	return result, nil
}

// NoAction is the conservative fallback decision.
func NoAction(reason string) model.AgentDecisionResult {
	return model.AgentDecisionResult{
		Intent:     "unknown",
		Confidence: 0,
		Reasoning:  reason,
		Actions:    []model.AgentAction{{Type: "no_action"}},
	}
}

// ShouldAutoExecute: confidence at or above the auto threshold and every action enabled.
func (e *Engine) ShouldAutoExecute(d model.AgentDecisionResult) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d.Confidence < e.auto {
		return false
	}
	for _, a := range d.Actions {
		if !e.enabled[a.Type] {
			return false
		}
	}
	return true
}

// RequiresApproval: not auto-executable and confidence at or above the approval threshold.
func (e *Engine) RequiresApproval(d model.AgentDecisionResult) bool {
	return e.Route(d) == model.VerdictRequireApproval
}

// Route applies the policy in order: auto-execute, approval, reject.
func (e *Engine) Route(d model.AgentDecisionResult) model.Verdict {
	if e.ShouldAutoExecute(d) {
		return model.VerdictAutoExecute
	}
	e.mu.RLock()
	approval := e.approval
	e.mu.RUnlock()
	if d.Confidence >= approval {
		return model.VerdictRequireApproval
	}
	return model.VerdictReject
}

// ---- parsing ----

type rawResponse struct {
	Intent     string              `json:"intent"`
	Confidence *float64            `json:"confidence"`
	Reasoning  string              `json:"reasoning"`
	Actions    []model.AgentAction `json:"actions"`
	Priority   *int                `json:"priority"`
}

// extractJSON strips markdown fences and keeps the outermost object.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in response")
	}
	return text[start : end+1], nil
}

func parseResponse(text string) (model.AgentDecisionResult, error) {
	body, err := extractJSON(text)
	if err != nil {
		return model.AgentDecisionResult{}, err
	}
	var raw rawResponse
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return model.AgentDecisionResult{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.Confidence == nil {
		return model.AgentDecisionResult{}, errors.New("confidence is required")
	}
	return model.AgentDecisionResult{
		Intent:     strings.TrimSpace(raw.Intent),
		Confidence: *raw.Confidence,
		Reasoning:  raw.Reasoning,
		Actions:    raw.Actions,
		Priority:   raw.Priority,
	}, nil
}

func validate(d model.AgentDecisionResult, available []string) error {
	if d.Intent == "" {
		return errors.New("intent is required")
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", d.Confidence)
	}
	if d.Priority != nil && (*d.Priority < 1 || *d.Priority > 5) {
		return fmt.Errorf("priority %d out of range [1,5]", *d.Priority)
	}
	known := make(map[string]bool, len(available))
	for _, a := range available {
		known[a] = true
	}
	for i, a := range d.Actions {
		if a.Type == "" {
			return fmt.Errorf("action %d has no type", i)
		}
		if len(known) > 0 && !known[a.Type] {
			return fmt.Errorf("action %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}
