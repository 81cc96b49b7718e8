package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/crewnexus/internal/provider"
	"go.uber.org/zap"
)

// LLMInvoker runs agents through a provider router.
type LLMInvoker struct {
	router      *provider.Router
	catalog     *provider.Catalog
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

// NewLLMInvoker creates an invoker. A nil catalog disables model validation.
func NewLLMInvoker(router *provider.Router, catalog *provider.Catalog, logger *zap.Logger) *LLMInvoker {
	return &LLMInvoker{
		router:      router,
		catalog:     catalog,
		temperature: 0.7,
		maxTokens:   4096,
		logger:      logger,
	}
}

// Materialize builds one agent per valid descriptor. Invalid descriptors are
// logged and skipped; ErrNoAgents is returned when nothing is left.
func (inv *LLMInvoker) Materialize(ctx context.Context, descriptors []Descriptor) ([]*Agent, error) {
	agents := make([]*Agent, 0, len(descriptors))
	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := Validate(d, inv.catalog); err != nil {
			inv.logger.Warn("skipping agent template", zap.String("name", d.Name), zap.Error(err))
			continue
		}
		if d.Model == "" {
			d.Model = provider.DefaultModel
		}
		if d.Type == "" {
			d.Type = TypeWorker
		}
		if d.Provider != "" && !inv.router.Has(d.Provider) {
			inv.logger.Warn("agent provider not registered, using default",
				zap.String("agent", d.Name), zap.String("provider", d.Provider))
		}
		a := &Agent{ID: uuid.New().String(), Descriptor: d, CreatedAt: time.Now()}
		agents = append(agents, a)
		inv.logger.Debug("created agent", zap.String("name", d.Name), zap.String("role", d.Role))
	}
	if len(agents) == 0 {
		return nil, ErrNoAgents
	}
	return agents, nil
}

// Run sends the task to the agent's model and reports text, tokens and
// elapsed time.
func (inv *LLMInvoker) Run(ctx context.Context, a *Agent, req Request) (*Output, error) {
	if d := a.Config.MaxExecutionTime(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	chat := &provider.ChatRequest{
		Model:       a.Model,
		Messages:    buildMessages(a, req),
		Temperature: firstPositive(req.Temperature, a.Config.Temperature, inv.temperature),
		MaxTokens:   int(firstPositive(float64(req.MaxTokens), float64(a.Config.MaxTokens), float64(inv.maxTokens))),
	}

	start := time.Now()
	inv.logger.Info("executing workflow step",
		zap.String("task", req.TaskName),
		zap.String("agent", a.Role),
		zap.String("model", a.Model))

	resp, err := inv.router.Route(ctx, a.Provider, chat)
	if err != nil {
		return nil, err
	}
	return &Output{
		Text:       resp.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Elapsed:    time.Since(start),
	}, nil
}

func buildMessages(a *Agent, req Request) []provider.Message {
	system := fmt.Sprintf("You are %s.\nYour goal: %s\nBackstory: %s", a.Role, a.Goal, a.Backstory)
	if len(a.Tools) > 0 {
		names := make([]string, len(a.Tools))
		for i, t := range a.Tools {
			names[i] = t.Name
		}
		system += "\nTools you may reference: " + strings.Join(names, ", ")
	}

	var user strings.Builder
	user.WriteString(req.Description)
	if req.ExpectedOutput != "" {
		fmt.Fprintf(&user, "\n\nExpected output: %s", req.ExpectedOutput)
	}
	for _, p := range req.Prior {
		fmt.Fprintf(&user, "\n\nOutput of %s:\n%s", p.TaskName, p.Output)
	}
	if len(req.Context) > 0 {
		user.WriteString("\n\nContext:")
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&user, "\n- %s: %s", k, formatValue(req.Context[k]))
		}
	}

	return []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
