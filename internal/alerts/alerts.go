// Package alerts evaluates operator-defined rules against trip incidents.
// Rules are expr expressions compiled at load time and hot-swapped on
// config reload; matches fan out through the notification pipeline.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/config"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
	"github.com/samfms/core/internal/notify"
)

// Incident types rules match on.
const (
	IncidentMissedPing  = "missed_ping"
	IncidentSpeeding    = "speeding"
	IncidentReroute     = "reroute_recommended"
	IncidentTripOverdue = "trip_overdue"
)

// Env is the expression environment. Field names are the rule language.
type Env struct {
	Type       string  `expr:"Type"`
	TripID     string  `expr:"TripID"`
	DriverID   string  `expr:"DriverID"`
	VehicleID  string  `expr:"VehicleID"`
	Priority   string  `expr:"Priority"`
	Severity   string  `expr:"Severity"`
	SpeedOver  float64 `expr:"SpeedOver"`
	Violations int     `expr:"Violations"`
}

// Action kinds.
const (
	actionNotify   = "notify"
	actionEscalate = "escalate"
	actionLog      = "log"
)

type action struct {
	kind string
	role string // notify only
}

// Rule is one compiled alert rule.
type Rule struct {
	Name       string
	Expression string
	Terminate  bool
	program    *vm.Program
	actions    []action
}

// Compile builds a rule from config. Expressions must type-check against
// Env and produce a bool.
func Compile(cfg config.AlertRuleConfig) (*Rule, error) {
	if cfg.Name == "" {
		return nil, errs.Validation("alert rule needs a name")
	}
	program, err := expr.Compile(cfg.Expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, "alert rule %s: expression does not compile", cfg.Name)
	}

	r := &Rule{
		Name:       cfg.Name,
		Expression: cfg.Expression,
		Terminate:  cfg.Terminate,
		program:    program,
	}
	for _, raw := range cfg.Actions {
		a, err := parseAction(raw)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindValidation, "alert rule %s", cfg.Name)
		}
		r.actions = append(r.actions, a)
	}
	if len(r.actions) == 0 {
		r.actions = []action{{kind: actionLog}}
	}
	return r, nil
}

func parseAction(raw string) (action, error) {
	switch {
	case raw == actionEscalate:
		return action{kind: actionEscalate}, nil
	case raw == actionLog:
		return action{kind: actionLog}, nil
	case strings.HasPrefix(raw, actionNotify+":"):
		role := strings.TrimPrefix(raw, actionNotify+":")
		if role == "" {
			return action{}, errs.Validation("notify action needs a role")
		}
		return action{kind: actionNotify, role: role}, nil
	default:
		return action{}, errs.Validation("unknown action %q", raw)
	}
}

// Fired reports one rule match.
type Fired struct {
	Rule       string   `json:"rule"`
	Actions    []string `json:"actions"`
	Terminated bool     `json:"terminated"`
}

// Engine evaluates rules in declaration order, stopping at the first
// terminating match.
type Engine struct {
	mu     sync.RWMutex
	rules  []*Rule
	fanout *notify.Fanout
	log    *zap.Logger
	mc     *metrics.Collector
}

func NewEngine(cfgs []config.AlertRuleConfig, fanout *notify.Fanout, log *zap.Logger, mc *metrics.Collector) (*Engine, error) {
	if log == nil {
		log = logging.Global()
	}
	e := &Engine{fanout: fanout, log: log, mc: mc}
	if err := e.Reload(cfgs); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles the new rule set and swaps it in atomically. A compile
// failure leaves the running rules untouched.
func (e *Engine) Reload(cfgs []config.AlertRuleConfig) error {
	rules := make([]*Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		r, err := Compile(cfg)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	e.log.Info("alert rules loaded", zap.Int("rules", len(rules)))
	return nil
}

// RuleNames lists the active rules in evaluation order.
func (e *Engine) RuleNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Name)
	}
	return out
}

// Evaluate runs every rule against the incident. A rule that fails at
// runtime is skipped; evaluation stops after a terminating match.
func (e *Engine) Evaluate(ctx context.Context, env Env) []Fired {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var fired []Fired
	for _, r := range rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			e.log.Warn("alert rule evaluation failed",
				zap.String("rule", r.Name),
				zap.Error(err))
			continue
		}
		matched, _ := out.(bool)
		if !matched {
			continue
		}

		e.mc.RecordAlert(r.Name)
		result := Fired{Rule: r.Name, Terminated: r.Terminate}
		for _, a := range r.actions {
			e.apply(ctx, r, a, env)
			if a.kind == actionNotify {
				result.Actions = append(result.Actions, a.kind+":"+a.role)
			} else {
				result.Actions = append(result.Actions, a.kind)
			}
		}
		fired = append(fired, result)
		if r.Terminate {
			break
		}
	}
	return fired
}

func (e *Engine) apply(ctx context.Context, r *Rule, a action, env Env) {
	switch a.kind {
	case actionLog:
		e.log.Warn("alert rule matched",
			zap.String("rule", r.Name),
			zap.String("type", env.Type),
			zap.String("trip_id", env.TripID),
			zap.String("driver_id", env.DriverID))
	case actionNotify:
		e.send(ctx, r, env, []string{a.role}, "alert")
	case actionEscalate:
		e.send(ctx, r, env, []string{"manager", "admin"}, "alert_escalated")
	}
}

func (e *Engine) send(ctx context.Context, r *Rule, env Env, roles []string, msgType string) {
	if e.fanout == nil {
		return
	}
	_, err := e.fanout.Send(ctx, notify.Message{
		Roles: roles,
		Type:  msgType,
		Title: r.Name,
		Body:  describe(env),
		Data: map[string]any{
			"rule":       r.Name,
			"type":       env.Type,
			"trip_id":    env.TripID,
			"driver_id":  env.DriverID,
			"vehicle_id": env.VehicleID,
		},
	})
	if err != nil {
		e.log.Warn("alert notification failed", zap.String("rule", r.Name), zap.Error(err))
	}
}

func describe(env Env) string {
	switch env.Type {
	case IncidentMissedPing:
		return fmt.Sprintf("driver %s missed a ping on trip %s (%d violations)", env.DriverID, env.TripID, env.Violations)
	case IncidentSpeeding:
		return fmt.Sprintf("driver %s is %.0f km/h over the limit on trip %s", env.DriverID, env.SpeedOver, env.TripID)
	case IncidentReroute:
		return fmt.Sprintf("trip %s has a reroute recommendation (%s traffic)", env.TripID, env.Severity)
	default:
		return fmt.Sprintf("%s on trip %s", env.Type, env.TripID)
	}
}
