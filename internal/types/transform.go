package types

import "fmt"

// RuleType selects how a filter rule is evaluated
type RuleType string

// Filter rule type constants
const (
	RuleJavaScript  RuleType = "JAVASCRIPT"
	RuleBuilderType RuleType = "RULE_BUILDER"
)

// Operator joins a rule to the accumulated result of the rules before it
type Operator string

// Rule operator constants. The first enabled rule of a filter carries no
// operator; every later rule must carry one.
const (
	OpNone Operator = ""
	OpAnd  Operator = "AND"
	OpOr   Operator = "OR"
)

// Condition is the comparison of a rule-builder rule
type Condition string

// Rule builder condition constants
const (
	CondExists     Condition = "EXISTS"
	CondNotExist   Condition = "NOT_EXIST"
	CondEquals     Condition = "EQUALS"
	CondNotEqual   Condition = "NOT_EQUAL"
	CondContains   Condition = "CONTAINS"
	CondNotContain Condition = "NOT_CONTAIN"
)

// IsValid checks if the condition value is valid
func (c Condition) IsValid() bool {
	switch c {
	case CondExists, CondNotExist, CondEquals, CondNotEqual, CondContains, CondNotContain:
		return true
	}
	return false
}

// Rule is one clause of a filter. JavaScript rules carry a script returning
// a boolean; rule-builder rules carry a field expression, condition, and
// comparison values that compile to an equivalent script.
type Rule struct {
	Sequence int      `json:"sequence"`
	Name     string   `json:"name,omitempty"`
	Type     RuleType `json:"type"`
	Operator Operator `json:"operator,omitempty"`
	Enabled  bool     `json:"enabled"`

	Script string `json:"script,omitempty"`

	Field     string    `json:"field,omitempty"`
	Condition Condition `json:"condition,omitempty"`
	Values    []string  `json:"values,omitempty"`
}

// Filter decides whether a connector keeps processing a message. An empty
// filter accepts everything.
type Filter struct {
	Rules []*Rule `json:"rules,omitempty"`
}

// EnabledRules returns the rules that participate in evaluation, in order
func (f *Filter) EnabledRules() []*Rule {
	if f == nil {
		return nil
	}
	rules := make([]*Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	return rules
}

// Validate checks rule ordering and operator placement
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for i, r := range f.EnabledRules() {
		if i == 0 && r.Operator != OpNone {
			return fmt.Errorf("filter rule %d: first rule cannot have an operator", r.Sequence)
		}
		if i > 0 && r.Operator != OpAnd && r.Operator != OpOr {
			return fmt.Errorf("filter rule %d: rule after the first must use AND or OR", r.Sequence)
		}
		switch r.Type {
		case RuleJavaScript:
			if r.Script == "" {
				return fmt.Errorf("filter rule %d: javascript rule requires a script", r.Sequence)
			}
		case RuleBuilderType:
			if r.Field == "" {
				return fmt.Errorf("filter rule %d: rule builder requires a field", r.Sequence)
			}
			if !r.Condition.IsValid() {
				return fmt.Errorf("filter rule %d: invalid condition %q", r.Sequence, r.Condition)
			}
		default:
			return fmt.Errorf("filter rule %d: unknown rule type %q", r.Sequence, r.Type)
		}
	}
	return nil
}

// StepType selects how a transformer step is executed
type StepType string

// Transformer step type constants
const (
	StepJavaScript     StepType = "JAVASCRIPT"
	StepMapper         StepType = "MAPPER"
	StepMessageBuilder StepType = "MESSAGE_BUILDER"
)

// MapScope names which variable map a mapper step writes to
type MapScope string

// Mapper scope constants
const (
	ScopeChannel       MapScope = "CHANNEL"
	ScopeConnector     MapScope = "CONNECTOR"
	ScopeResponse      MapScope = "RESPONSE"
	ScopeGlobalChannel MapScope = "GLOBAL_CHANNEL"
	ScopeGlobal        MapScope = "GLOBAL"
)

// IsValid checks if the map scope value is valid
func (s MapScope) IsValid() bool {
	switch s {
	case ScopeChannel, ScopeConnector, ScopeResponse, ScopeGlobalChannel, ScopeGlobal:
		return true
	}
	return false
}

// Step is one stage of a transformer. Mapper steps copy a value out of the
// message into a variable map; message builder steps write a value into the
// outbound message; JavaScript steps run arbitrary script.
type Step struct {
	Sequence int      `json:"sequence"`
	Name     string   `json:"name,omitempty"`
	Type     StepType `json:"type"`
	Enabled  bool     `json:"enabled"`

	Script string `json:"script,omitempty"`

	Variable     string   `json:"variable,omitempty"`
	Mapping      string   `json:"mapping,omitempty"`
	DefaultValue string   `json:"default_value,omitempty"`
	Scope        MapScope `json:"scope,omitempty"`

	MessageSegment string `json:"message_segment,omitempty"`
	MessageValue   string `json:"message_value,omitempty"`
}

// Transformer reshapes message content between pipeline stages
type Transformer struct {
	Steps            []*Step `json:"steps,omitempty"`
	InboundDataType  string  `json:"inbound_data_type,omitempty"`
	OutboundDataType string  `json:"outbound_data_type,omitempty"`
	OutboundTemplate string  `json:"outbound_template,omitempty"`
}

// EnabledSteps returns the steps that participate in execution, in order
func (t *Transformer) EnabledSteps() []*Step {
	if t == nil {
		return nil
	}
	steps := make([]*Step, 0, len(t.Steps))
	for _, s := range t.Steps {
		if s.Enabled {
			steps = append(steps, s)
		}
	}
	return steps
}

// Validate checks that every enabled step is executable
func (t *Transformer) Validate() error {
	if t == nil {
		return nil
	}
	for _, s := range t.EnabledSteps() {
		switch s.Type {
		case StepJavaScript:
			if s.Script == "" {
				return fmt.Errorf("transformer step %d: javascript step requires a script", s.Sequence)
			}
		case StepMapper:
			if s.Variable == "" {
				return fmt.Errorf("transformer step %d: mapper step requires a variable name", s.Sequence)
			}
			if s.Mapping == "" && s.DefaultValue == "" {
				return fmt.Errorf("transformer step %d: mapper step requires a mapping or default", s.Sequence)
			}
			if s.Scope != "" && !s.Scope.IsValid() {
				return fmt.Errorf("transformer step %d: invalid scope %q", s.Sequence, s.Scope)
			}
		case StepMessageBuilder:
			if s.MessageSegment == "" {
				return fmt.Errorf("transformer step %d: message builder step requires a segment", s.Sequence)
			}
		default:
			return fmt.Errorf("transformer step %d: unknown step type %q", s.Sequence, s.Type)
		}
	}
	return nil
}

// HasWork reports whether running this transformer could change anything
func (t *Transformer) HasWork() bool {
	return t != nil && len(t.EnabledSteps()) > 0
}
