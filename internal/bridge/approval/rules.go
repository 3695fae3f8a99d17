// Package approval owns the approval request lifecycle: rule-based
// auto-decisions, interactive prompts with reminders, expiry, and the
// response back to the app server.
package approval

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gobwas/glob"
)

// Decision is a rule or user verdict.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	DecisionAsk     Decision = "ask"
)

// RuleEnv is the evaluation context exposed to When expressions.
type RuleEnv struct {
	Kind      string
	Command   string
	Cwd       string
	Reason    string
	Paths     []string
	FileCount int
}

// RuleSpec is one uncompiled rule, usually loaded from configuration.
// Empty criteria always match; a rule applies when all present criteria do.
type RuleSpec struct {
	Name string `yaml:"name" json:"name"`
	// When is an expression over RuleEnv fields, e.g.
	// `Kind == "command" && Command startsWith "git "`.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	// Commands are glob patterns matched against the full command line.
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`
	// Paths are doublestar patterns; every touched path must match one.
	Paths    []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Decision string   `yaml:"decision" json:"decision"`
}

type rule struct {
	name     string
	decision Decision
	prog     *vm.Program
	commands []glob.Glob
	paths    []string
}

// Engine evaluates compiled rules in order; the first match wins.
type Engine struct {
	rules []rule
}

// NewEngine compiles the rule list. A bad expression, glob, or decision in
// any rule fails the whole engine so misconfigurations surface at startup.
func NewEngine(specs []RuleSpec) (*Engine, error) {
	e := &Engine{}
	for i, spec := range specs {
		r := rule{name: spec.Name}
		if r.name == "" {
			r.name = fmt.Sprintf("rule-%d", i+1)
		}

		switch Decision(spec.Decision) {
		case DecisionAccept, DecisionDecline, DecisionAsk:
			r.decision = Decision(spec.Decision)
		default:
			return nil, fmt.Errorf("rule %q: decision must be accept, decline or ask, got %q", r.name, spec.Decision)
		}

		if spec.When != "" {
			prog, err := expr.Compile(spec.When, expr.Env(RuleEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("rule %q: compile when: %w", r.name, err)
			}
			r.prog = prog
		}

		for _, pattern := range spec.Commands {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: compile command glob %q: %w", r.name, pattern, err)
			}
			r.commands = append(r.commands, g)
		}

		for _, pattern := range spec.Paths {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("rule %q: invalid path pattern %q", r.name, pattern)
			}
			r.paths = append(r.paths, pattern)
		}

		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Len reports the number of compiled rules.
func (e *Engine) Len() int { return len(e.rules) }

// Evaluate returns the first matching rule's decision and name. No match
// falls through to ask.
func (e *Engine) Evaluate(env RuleEnv) (Decision, string) {
	for _, r := range e.rules {
		if r.matches(env) {
			return r.decision, r.name
		}
	}
	return DecisionAsk, ""
}

func (r *rule) matches(env RuleEnv) bool {
	if r.prog != nil {
		out, err := expr.Run(r.prog, env)
		if err != nil {
			// A failing expression must never silently allow anything.
			return false
		}
		if ok, _ := out.(bool); !ok {
			return false
		}
	}

	if len(r.commands) > 0 {
		cmd := strings.TrimSpace(env.Command)
		matched := false
		for _, g := range r.commands {
			if g.Match(cmd) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(r.paths) > 0 {
		if len(env.Paths) == 0 {
			return false
		}
		for _, p := range env.Paths {
			covered := false
			for _, pattern := range r.paths {
				if ok, _ := doublestar.Match(pattern, p); ok {
					covered = true
					break
				}
			}
			if !covered {
				return false
			}
		}
	}
	return true
}
