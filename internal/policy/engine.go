// Package policy evaluates OPA rego admission rules for new research tasks.
package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// DecisionQuery is the rego document every admission bundle must define.
const DecisionQuery = "data.research.admission"

// Input is the document handed to rego as `input`.
type Input struct {
	Query         string    `json:"query"`
	QueryLength   int       `json:"query_length"`
	MaxSubagents  int       `json:"max_subagents"`
	MaxIterations int       `json:"max_iterations"`
	Environment   string    `json:"environment"`
	Timestamp     time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	// DryRun is set when the engine overrode a deny in dry-run mode.
	DryRun bool `json:"dry_run,omitempty"`
}

// Engine implements admission using OPA rego
type Engine struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
	enabled  bool
	cache    *decisionCache
}

// NewEngine creates a new OPA-based admission engine
func NewEngine(config Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.Normalize()
	engine := &Engine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled,
		cache:   newDecisionCache(1000, 5*time.Minute), // 1K entries, 5min TTL
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured
// directory. A successful reload drops cached decisions.
func (e *Engine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}
	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := calculatePolicyVersion(policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Reset()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", DecisionQuery),
		zap.String("version", version),
	)
	RecordPolicyLoad(e.config.Path, len(policies), float64(time.Now().Unix()), version)
	return nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the effective enforcement mode
func (e *Engine) Mode() Mode {
	if e.config.EmergencyKillSwitch {
		return ModeDryRun
	}
	return e.config.Mode
}

// Admit evaluates the admission policy for a validated request. A deny in
// enforce mode is a validation error on the query.
func (e *Engine) Admit(ctx context.Context, query string, cfg state.Config) error {
	d, err := e.Evaluate(ctx, &Input{
		Query:         query,
		QueryLength:   len([]rune(query)),
		MaxSubagents:  cfg.MaxSubagents,
		MaxIterations: cfg.MaxIterations,
		Environment:   e.config.Environment,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return state.NewInternalError("admission policy evaluation failed", err)
	}
	if !d.Allow {
		return state.NewValidationError("query", "%s", d.Reason)
	}
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	mode := e.Mode()

	e.mu.RLock()
	compiled, version, enabled := e.compiled, e.version, e.enabled
	e.mu.RUnlock()

	if !enabled || compiled == nil {
		return &Decision{
			Allow:  !e.config.FailClosed || !e.config.Enabled,
			Reason: "policy engine disabled or no policies loaded",
		}, nil
	}

	if d, ok := e.cache.Get(input); ok {
		RecordCacheHit()
		return d, nil
	}
	RecordCacheMiss()

	inputMap, err := toMap(input)
	if err != nil {
		RecordError("input_conversion", string(mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return &Decision{Allow: true, Reason: "input conversion failed, failing open"}, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("policy_evaluation", string(mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return &Decision{Allow: true, Reason: "policy evaluation error, failing open"}, nil
	}

	decision := parseResults(results)
	decision.PolicyVersion = version

	if mode == ModeDryRun && !decision.Allow {
		e.logger.Info("Dry-run policy would have denied research",
			zap.String("reason", decision.Reason),
			zap.Int("query_length", input.QueryLength),
		)
		RecordDryRunDivergence("would_deny")
		decision.Allow = true
		decision.DryRun = true
		decision.Reason = "DRY-RUN: would have been denied - " + decision.Reason
	}

	label := "allow"
	if !decision.Allow {
		label = "deny"
	}
	RecordEvaluation(label, string(mode), time.Since(start).Seconds())
	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", time.Since(start)),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults accepts either {"allow": bool, "reason": string} or a bare
// boolean. Anything else denies.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		} else if decision.Allow {
			decision.Reason = "allowed by policy"
		}
	case bool:
		decision.Allow = v
		if v {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// calculatePolicyVersion hashes the bundle in module-name order.
func calculatePolicyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List               // MRU at front
	m    map[string]*list.Element // key -> element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{cap: cap, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

// makeKey ignores the timestamp; decisions must not depend on it.
func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	return fmt.Sprintf("%s|%d|%d|%x", input.Environment, input.MaxSubagents, input.MaxIterations, h.Sum64())
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			d := *ce.decision
			return &d, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	return nil, false
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	cp := *d
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: &cp}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

func (c *decisionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}
