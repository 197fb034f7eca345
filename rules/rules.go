package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/changes"
	"github.com/timzifer/signalboard/config"
	"github.com/timzifer/signalboard/signals"
)

// Defaults are evaluated unless disabled in the configuration.
var Defaults = []config.RuleConfig{
	{ID: "signal-error", When: `signal == "black"`, Severity: "error", Message: "{direction} signal reports an error"},
	{ID: "signal-off", When: `status == "off"`, Severity: "warning", Message: "{direction} signal is switched off"},
}

type rule struct {
	id       string
	when     string
	severity changes.Severity
	message  string
	program  *vm.Program
}

// Engine evaluates alert rules per direction. A rule fires once when its
// expression turns true for a direction and re-arms when it turns false.
type Engine struct {
	rules  []rule
	logger zerolog.Logger

	mu     sync.Mutex
	firing map[string]map[string]bool
}

// Compile builds an engine from rule definitions.
func Compile(defs []config.RuleConfig, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger, firing: make(map[string]map[string]bool)}
	for _, def := range defs {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, fmt.Errorf("rule id must not be empty")
		}
		program, err := expr.Compile(def.When, expr.Env(config.RuleEnvironment()), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", id, err)
		}
		message := def.Message
		if message == "" {
			message = fmt.Sprintf("{direction} matched rule %s", id)
		}
		e.rules = append(e.rules, rule{
			id:       id,
			when:     def.When,
			severity: changes.ParseSeverity(def.Severity),
			message:  message,
			program:  program,
		})
	}
	return e, nil
}

// FromConfig compiles the configured rules, prefixed by Defaults unless they
// are disabled.
func FromConfig(cfg config.NotificationsConfig, logger zerolog.Logger) (*Engine, error) {
	var defs []config.RuleConfig
	if !cfg.DisableDefaultRules {
		defs = append(defs, Defaults...)
	}
	defs = append(defs, cfg.Rules...)
	return Compile(defs, logger)
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Evaluate runs every rule against every direction of snap and returns the
// notifications for rules that started matching.
func (e *Engine) Evaluate(snap signals.Snapshot, at time.Time) []changes.Notification {
	if e == nil || len(e.rules) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []changes.Notification
	for _, direction := range signals.Directions(snap) {
		env := environment(direction, snap[direction])
		for _, r := range e.rules {
			res, err := vm.Run(r.program, env)
			if err != nil {
				e.logger.Warn().Err(err).Str("rule", r.id).Str("direction", direction).Msg("rule evaluation failed")
				continue
			}
			matched, _ := res.(bool)
			state := e.firing[r.id]
			if state == nil {
				state = make(map[string]bool)
				e.firing[r.id] = state
			}
			was := state[direction]
			state[direction] = matched
			if !matched || was {
				continue
			}
			n := changes.NewNotification("rule:"+r.id, r.severity, strings.ReplaceAll(r.message, "{direction}", changes.Title(direction)), at)
			n.Direction = direction
			out = append(out, n)
		}
	}
	for _, state := range e.firing {
		for direction := range state {
			if _, ok := snap[direction]; !ok {
				delete(state, direction)
			}
		}
	}
	return out
}

func environment(direction string, sig signals.Signal) map[string]interface{} {
	seconds, ok := sig.Duration.Seconds()
	return map[string]interface{}{
		"direction":    direction,
		"signal":       string(sig.Signal),
		"status":       string(sig.Status),
		"duration":     seconds,
		"has_duration": ok,
		"known":        sig.Signal.Known(),
		"active":       sig.Active(),
	}
}
