package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/registry"
)

// maxHops bounds supervisor re-entry: one controlled level below the
// original command.
const maxHops = 2

// Dispatcher runs every command through the same pipeline: authorize,
// screen, route, and audit the outcome regardless.
type Dispatcher struct {
	handlers *registry.BaseRegistry[Agent]
	matrix   map[string][]string
	detector *Detector
	trail    *audit.Trail
	gen      *ident.Generator
	log      *slog.Logger

	agentMu sync.Mutex
	agents  map[string]Agent

	handled  atomic.Int64
	rejected atomic.Int64
}

// New builds a Dispatcher from the dispatch configuration.
func New(cfg config.DispatchConfig, trail *audit.Trail, clock ident.Clock) *Dispatcher {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Dispatcher{
		handlers: registry.NewBaseRegistry[Agent](),
		matrix:   cfg.RolePermissionMatrix,
		detector: NewDetector(cfg.InjectionDetectorEnabled, cfg.InjectionConfidenceThreshold),
		trail:    trail,
		gen:      ident.NewGenerator(clock),
		log:      logger.Get("dispatch"),
		agents:   make(map[string]Agent),
	}
}

// RegisterAgent routes the given kinds to the agent. Registering a kind twice
// is an error.
func (d *Dispatcher) RegisterAgent(agent Agent, kinds ...CommandKind) error {
	for _, kind := range kinds {
		if err := d.handlers.Register(string(kind), agent); err != nil {
			return errors.Wrap(errors.KindConflict, "dispatch", "RegisterAgent",
				"kind "+string(kind)+" already routed", err)
		}
	}
	d.agentMu.Lock()
	d.agents[agent.Name()] = agent
	d.agentMu.Unlock()
	return nil
}

// Submit runs the command through the pipeline and returns the agent's
// response. Authorization and screening failures terminate the command here;
// either way the outcome lands on the audit trail.
func (d *Dispatcher) Submit(ctx context.Context, cmd *Command) (resp *Response, err error) {
	if cmd.CommandID == "" {
		cmd.CommandID = d.gen.NewID("cmd")
	}
	defer func() {
		d.auditOutcome(cmd, err)
	}()

	if cmd.UserID == "" {
		d.rejected.Add(1)
		return nil, errors.New(errors.KindInvalidState, "dispatch", "Submit", "command requires a user id")
	}

	if err := d.authorize(cmd); err != nil {
		d.rejected.Add(1)
		return nil, err
	}
	if err := d.screen(cmd); err != nil {
		d.rejected.Add(1)
		return nil, err
	}

	agent, ok := d.handlers.Get(string(cmd.Kind))
	if !ok {
		d.rejected.Add(1)
		return nil, errors.Newf(errors.KindNotFound, "dispatch", "Submit",
			"no handler for command kind %q", cmd.Kind)
	}

	resp, err = agent.Handle(ctx, cmd)
	if err != nil {
		d.rejected.Add(1)
		return nil, err
	}
	d.handled.Add(1)
	return resp, nil
}

// Redispatch lets an agent issue a follow-up command through the full
// pipeline. The hop counter caps re-entry depth so agents cannot loop.
func (d *Dispatcher) Redispatch(ctx context.Context, cmd *Command) (*Response, error) {
	if hopCount(ctx) >= maxHops-1 {
		return nil, errors.Newf(errors.KindInvalidState, "dispatch", "Redispatch",
			"hop limit %d exceeded for command %s", maxHops, cmd.CommandID)
	}
	return d.Submit(withHop(ctx), cmd)
}

// Stats aggregates dispatcher counters and every registered agent's stats.
func (d *Dispatcher) Stats() map[string]any {
	d.agentMu.Lock()
	agents := make(map[string]any, len(d.agents))
	for name, a := range d.agents {
		agents[name] = a.Stats()
	}
	d.agentMu.Unlock()

	return map[string]any{
		"commands_handled":  d.handled.Load(),
		"commands_rejected": d.rejected.Load(),
		"routed_kinds":      d.handlers.Names(),
		"agents":            agents,
	}
}

func (d *Dispatcher) authorize(cmd *Command) error {
	allowed := d.matrix[cmd.Role]
	for _, action := range allowed {
		if action == "*" || action == string(cmd.Kind) {
			return nil
		}
	}
	return errors.Newf(errors.KindForbidden, "dispatch", "authorize",
		"role %q may not invoke %q", cmd.Role, cmd.Kind)
}

func (d *Dispatcher) screen(cmd *Command) error {
	if !d.detector.Enabled() {
		return nil
	}
	text := cmd.screenText()
	if text == "" {
		return nil
	}
	verdict := d.detector.Screen(text)
	if verdict.Confidence <= d.detector.Threshold() {
		return nil
	}
	d.log.Warn("command rejected by injection screen",
		"command_id", cmd.CommandID,
		"kind", cmd.Kind,
		"confidence", verdict.Confidence,
		"categories", verdict.Categories)
	return errors.Newf(errors.KindSuspectedInjection, "dispatch", "screen",
		"payload matched injection categories [%s] with confidence %.2f",
		strings.Join(verdict.Categories, ", "), verdict.Confidence)
}

// auditOutcome records the command with a redacted payload, success or not.
func (d *Dispatcher) auditOutcome(cmd *Command, outcome error) {
	if d.trail == nil {
		return
	}
	payload := map[string]any{
		"command_id": cmd.CommandID,
		"role":       cmd.Role,
		"payload":    cmd.redactedPayload(),
	}
	if outcome != nil {
		payload["reason"] = string(errors.KindOf(outcome))
	} else {
		payload["status"] = "ok"
	}
	if _, err := d.trail.Append(audit.Entry{
		UserID:  cmd.UserID,
		Source:  "dispatch",
		Action:  string(cmd.Kind),
		Payload: payload,
	}); err != nil {
		d.log.Warn("audit append failed", "command_id", cmd.CommandID, "error", err)
	}
}
