package script

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/meridianhq/meridian/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// injectionVectors are rejected in rule-builder field expressions, mapper
// mappings, and message-builder segments. They are enough to smuggle extra
// statements or comment out the generated code around the expression.
var injectionVectors = []string{";", "{", "}", "//", "/*", "\n", "\r"}

// validateFieldExpression rejects empty and code-injecting expressions.
func validateFieldExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty field expression")
	}
	for _, bad := range injectionVectors {
		if strings.Contains(expr, bad) {
			return fmt.Errorf("field expression contains %q", bad)
		}
	}
	return nil
}

// jsString renders s as a JS string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// strings cannot fail to marshal
		return `""`
	}
	return string(b)
}

// wrapScript wraps a user script in a function so top-level return works,
// and makes the call's return value the program's completion value.
func wrapScript(fn, script string) string {
	return "function " + fn + "() {\n" + script + "\n}\n" + fn + "();\n"
}

// generateFilterTransformer builds the combined filter + transformer
// program for one connector. The completion value is the filter verdict.
func generateFilterTransformer(f *types.Filter, tr *types.Transformer) (string, error) {
	var b strings.Builder

	rules := f.EnabledRules()
	for i, rule := range rules {
		body, err := ruleBody(rule)
		if err != nil {
			return "", fmt.Errorf("filter rule %d: %w", rule.Sequence, err)
		}
		fmt.Fprintf(&b, "function filterRule%d() {\n%s\n}\n", i, body)
	}
	b.WriteString("function doFilter() {\n  return " + filterExpression(rules) + ";\n}\n")

	if err := writeTransformerFunctions(&b, tr); err != nil {
		return "", err
	}

	b.WriteString(`phase = 'filter';
var accepted = doFilter();
if (accepted) {
  phase = 'transformer';
  doTransform();
}
accepted;
`)
	return b.String(), nil
}

// generateResponseTransformer builds the response transformer program for
// one destination.
func generateResponseTransformer(tr *types.Transformer) (string, error) {
	var b strings.Builder
	if err := writeTransformerFunctions(&b, tr); err != nil {
		return "", err
	}
	b.WriteString("phase = 'response';\ndoTransform();\n")
	return b.String(), nil
}

// filterExpression combines the rule calls with their declared operators,
// grouped left to right. No rules means accept.
func filterExpression(rules []*types.Rule) string {
	if len(rules) == 0 {
		return "true"
	}
	expr := "(filterRule0())"
	for i := 1; i < len(rules); i++ {
		op := " && "
		if rules[i].Operator == types.OpOr {
			op = " || "
		}
		expr = "(" + expr + op + fmt.Sprintf("(filterRule%d())", i) + ")"
	}
	return expr
}

func writeTransformerFunctions(b *strings.Builder, tr *types.Transformer) error {
	steps := tr.EnabledSteps()
	for i, step := range steps {
		body, err := stepBody(step)
		if err != nil {
			return fmt.Errorf("transformer step %d: %w", step.Sequence, err)
		}
		fmt.Fprintf(b, "function transformerStep%d() {\n%s\n}\n", i, body)
	}
	b.WriteString("function doTransform() {\n")
	for i := range steps {
		fmt.Fprintf(b, "  transformerStep%d();\n", i)
	}
	b.WriteString("}\n")
	return nil
}

func ruleBody(rule *types.Rule) (string, error) {
	switch rule.Type {
	case types.RuleJavaScript:
		if strings.TrimSpace(rule.Script) == "" {
			return "", fmt.Errorf("javascript rule has no script")
		}
		return rule.Script, nil
	case types.RuleBuilderType:
		return ruleBuilderBody(rule)
	default:
		return "", fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// ruleBuilderBody compiles a structured rule into a script fragment. The
// field expression is validated, the comparison values become string
// literals.
func ruleBuilderBody(rule *types.Rule) (string, error) {
	if err := validateFieldExpression(rule.Field); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "var fieldValue = %s;\n", rule.Field)

	exists := "(typeof fieldValue !== 'undefined' && fieldValue !== null && fieldValue !== '')"
	switch rule.Condition {
	case types.CondExists:
		fmt.Fprintf(&b, "return %s;", exists)
	case types.CondNotExist:
		fmt.Fprintf(&b, "return !%s;", exists)
	case types.CondEquals:
		b.WriteString("return (" + valueComparison(rule.Values, "==", "||", "false") + ");")
	case types.CondNotEqual:
		b.WriteString("return (" + valueComparison(rule.Values, "!=", "&&", "true") + ");")
	case types.CondContains:
		b.WriteString("return (" + containsComparison(rule.Values, true) + ");")
	case types.CondNotContain:
		b.WriteString("return (" + containsComparison(rule.Values, false) + ");")
	default:
		return "", fmt.Errorf("unknown condition %q", rule.Condition)
	}
	return b.String(), nil
}

func valueComparison(values []string, cmp, join, empty string) string {
	if len(values) == 0 {
		return empty
	}
	terms := make([]string, len(values))
	for i, v := range values {
		terms[i] = fmt.Sprintf("String(fieldValue) %s %s", cmp, jsString(v))
	}
	return strings.Join(terms, " "+join+" ")
}

func containsComparison(values []string, contains bool) string {
	if len(values) == 0 {
		if contains {
			return "false"
		}
		return "true"
	}
	terms := make([]string, len(values))
	for i, v := range values {
		if contains {
			terms[i] = fmt.Sprintf("String(fieldValue).indexOf(%s) !== -1", jsString(v))
		} else {
			terms[i] = fmt.Sprintf("String(fieldValue).indexOf(%s) === -1", jsString(v))
		}
	}
	join := " || "
	if !contains {
		join = " && "
	}
	return strings.Join(terms, join)
}

func stepBody(step *types.Step) (string, error) {
	switch step.Type {
	case types.StepJavaScript:
		if strings.TrimSpace(step.Script) == "" {
			return "", fmt.Errorf("javascript step has no script")
		}
		return step.Script, nil
	case types.StepMapper:
		return mapperBody(step)
	case types.StepMessageBuilder:
		return messageBuilderBody(step)
	default:
		return "", fmt.Errorf("unknown step type %q", step.Type)
	}
}

// mapperBody copies a value out of the message into a variable map,
// falling back to the default when the mapping is absent or empty. The
// default is a literal, not an expression.
func mapperBody(step *types.Step) (string, error) {
	var b strings.Builder
	if step.Mapping != "" {
		if err := validateFieldExpression(step.Mapping); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "var mapped;\ntry { mapped = %s; } catch (e) { mapped = undefined; }\n", step.Mapping)
	} else {
		b.WriteString("var mapped;\n")
	}
	fmt.Fprintf(&b, "if (typeof mapped === 'undefined' || mapped === null || mapped === '') { mapped = %s; }\n",
		jsString(step.DefaultValue))
	fmt.Fprintf(&b, "%s(%s, mapped);", scopeShortcut(step.Scope), jsString(step.Variable))
	return b.String(), nil
}

// messageBuilderBody writes a value into the outbound message segment.
func messageBuilderBody(step *types.Step) (string, error) {
	if err := validateFieldExpression(step.MessageSegment); err != nil {
		return "", err
	}
	value := step.MessageValue
	if value == "" {
		value = "''"
	} else if err := validateFieldExpression(value); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s;", step.MessageSegment, value), nil
}

func scopeShortcut(scope types.MapScope) string {
	switch scope {
	case types.ScopeConnector:
		return "$co"
	case types.ScopeResponse:
		return "$r"
	case types.ScopeGlobalChannel:
		return "$gc"
	case types.ScopeGlobal:
		return "$g"
	default:
		return "$c"
	}
}
