package script

import (
	"context"
	"strings"
	"testing"

	"github.com/meridianhq/meridian/internal/types"
)

func jsRule(op types.Operator, scriptSrc string) *types.Rule {
	return &types.Rule{Type: types.RuleJavaScript, Operator: op, Enabled: true, Script: scriptSrc}
}

func runFT(t *testing.T, f *types.Filter, tr *types.Transformer, cm *types.ConnectorMessage, raw string) (bool, string) {
	t.Helper()
	r, env := newTestRuntime(t)
	key := "chan-a:ft:0"
	if err := r.CompileFilterTransformer(key, f, tr); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cm == nil {
		cm = &types.ConnectorMessage{ChannelID: "chan-a", MessageID: 1, MetaDataID: 0}
	}
	accepted, transformed, err := r.RunFilterTransformer(context.Background(), key, env, cm, raw, tr)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return accepted, transformed
}

func TestEmptyFilterAcceptsAndPassesThrough(t *testing.T) {
	accepted, transformed := runFT(t, nil, nil, nil, "payload")
	if !accepted {
		t.Error("empty filter should accept")
	}
	if transformed != "payload" {
		t.Errorf("transformed = %q, want passthrough", transformed)
	}
}

func TestJavaScriptRuleVerdict(t *testing.T) {
	f := &types.Filter{Rules: []*types.Rule{jsRule(types.OpNone, "return msg != 'BLOCK';")}}

	if accepted, _ := runFT(t, f, nil, nil, "BLOCK"); accepted {
		t.Error("BLOCK should be rejected")
	}
	if accepted, _ := runFT(t, f, nil, nil, "OK"); !accepted {
		t.Error("OK should be accepted")
	}
}

func TestRuleOperatorCombination(t *testing.T) {
	orFilter := &types.Filter{Rules: []*types.Rule{
		jsRule(types.OpNone, "return msg.indexOf('A') !== -1;"),
		jsRule(types.OpOr, "return msg.indexOf('B') !== -1;"),
	}}
	andFilter := &types.Filter{Rules: []*types.Rule{
		jsRule(types.OpNone, "return msg.indexOf('A') !== -1;"),
		jsRule(types.OpAnd, "return msg.indexOf('B') !== -1;"),
	}}

	tests := []struct {
		filter *types.Filter
		raw    string
		want   bool
	}{
		{orFilter, "A", true},
		{orFilter, "B", true},
		{orFilter, "C", false},
		{andFilter, "AB", true},
		{andFilter, "A", false},
		{andFilter, "B", false},
	}
	for _, tt := range tests {
		if got, _ := runFT(t, tt.filter, nil, nil, tt.raw); got != tt.want {
			t.Errorf("raw %q: accepted = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestRuleBuilderConditions(t *testing.T) {
	builder := func(cond types.Condition, values ...string) *types.Filter {
		return &types.Filter{Rules: []*types.Rule{{
			Type: types.RuleBuilderType, Enabled: true,
			Field: "msg", Condition: cond, Values: values,
		}}}
	}

	tests := []struct {
		name   string
		filter *types.Filter
		raw    string
		want   bool
	}{
		{"exists", builder(types.CondExists), "x", true},
		{"exists empty", builder(types.CondExists), "", false},
		{"not exist empty", builder(types.CondNotExist), "", true},
		{"equals hit", builder(types.CondEquals, "A", "B"), "B", true},
		{"equals miss", builder(types.CondEquals, "A", "B"), "C", false},
		{"not equal hit", builder(types.CondNotEqual, "A"), "B", true},
		{"not equal miss", builder(types.CondNotEqual, "A"), "A", false},
		{"contains hit", builder(types.CondContains, "LAB"), "MYLAB1", true},
		{"contains miss", builder(types.CondContains, "LAB"), "XRAY", false},
		{"not contain hit", builder(types.CondNotContain, "ERR"), "OK", true},
		{"not contain miss", builder(types.CondNotContain, "ERR"), "ERR1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := runFT(t, tt.filter, nil, nil, tt.raw); got != tt.want {
				t.Errorf("accepted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleBuilderRejectsInjection(t *testing.T) {
	r, _ := newTestRuntime(t)
	for _, field := range []string{"", "  ", "msg; evil()", "msg { }", "msg // x", "msg /* x */", "msg\nevil"} {
		f := &types.Filter{Rules: []*types.Rule{{
			Type: types.RuleBuilderType, Enabled: true,
			Field: field, Condition: types.CondExists,
		}}}
		err := r.CompileFilterTransformer("chan-a:ft:inj", f, nil)
		if err == nil {
			t.Errorf("field %q should fail compilation", field)
		}
	}
}

func TestTransformerJavaScriptStep(t *testing.T) {
	tr := &types.Transformer{Steps: []*types.Step{
		{Type: types.StepJavaScript, Enabled: true, Script: "msg = msg + '-T';"},
	}}
	_, transformed := runFT(t, nil, tr, nil, "A")
	if transformed != "A-T" {
		t.Errorf("transformed = %q", transformed)
	}
}

func TestTransformerSerialization(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"object to json", "msg = {lab: 1};", `{"lab":1}`},
		{"array to json", "msg = ['a', 'b'];", `["a","b"]`},
		{"xml surrogate", "msg = { toXMLString: function() { return '<x/>'; } };", "<x/>"},
		{"number stringified", "msg = 5;", "5"},
		{"boolean stringified", "msg = true;", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &types.Transformer{Steps: []*types.Step{
				{Type: types.StepJavaScript, Enabled: true, Script: tt.script},
			}}
			_, transformed := runFT(t, nil, tr, nil, "raw")
			if transformed != tt.want {
				t.Errorf("transformed = %q, want %q", transformed, tt.want)
			}
		})
	}
}

func TestTemplateHandledIndependently(t *testing.T) {
	// Template untouched by steps: the template is the output.
	tr := &types.Transformer{
		OutboundTemplate: "<tpl/>",
		Steps: []*types.Step{
			{Type: types.StepJavaScript, Enabled: true, Script: "msg = 'working';"},
		},
	}
	_, transformed := runFT(t, nil, tr, nil, "raw")
	if transformed != "<tpl/>" {
		t.Errorf("transformed = %q, want template", transformed)
	}

	// Steps that build on tmp win over msg.
	tr = &types.Transformer{
		OutboundTemplate: "<tpl/>",
		Steps: []*types.Step{
			{Type: types.StepJavaScript, Enabled: true, Script: "tmp = tmp + '!';"},
		},
	}
	_, transformed = runFT(t, nil, tr, nil, "raw")
	if transformed != "<tpl/>!" {
		t.Errorf("transformed = %q", transformed)
	}
}

func TestMapperStep(t *testing.T) {
	cm := &types.ConnectorMessage{ChannelID: "chan-a", MessageID: 1, MetaDataID: 0}
	tr := &types.Transformer{Steps: []*types.Step{
		{Type: types.StepMapper, Enabled: true, Variable: "mrn", Mapping: "msg", Scope: types.ScopeChannel},
	}}
	accepted, _ := runFT(t, nil, tr, cm, "12345")
	if !accepted {
		t.Fatal("should accept")
	}
	if cm.ChannelMap["mrn"] != "12345" {
		t.Errorf("channel map = %v", cm.ChannelMap)
	}
}

func TestMapperStepDefault(t *testing.T) {
	cm := &types.ConnectorMessage{ChannelID: "chan-a", MessageID: 1, MetaDataID: 0}
	tr := &types.Transformer{Steps: []*types.Step{
		{Type: types.StepMapper, Enabled: true, Variable: "site", DefaultValue: "north", Scope: types.ScopeConnector},
	}}
	runFT(t, nil, tr, cm, "")
	if cm.ConnectorMap["site"] != "north" {
		t.Errorf("connector map = %v", cm.ConnectorMap)
	}
}

func TestMessageBuilderStep(t *testing.T) {
	tr := &types.Transformer{Steps: []*types.Step{
		{Type: types.StepJavaScript, Enabled: true, Script: "msg = {};"},
		{Type: types.StepMessageBuilder, Enabled: true, MessageSegment: "msg['PID']", MessageValue: "'p1'"},
	}}
	_, transformed := runFT(t, nil, tr, nil, "raw")
	if transformed != `{"PID":"p1"}` {
		t.Errorf("transformed = %q", transformed)
	}
}

func TestMessageBuilderRejectsInjection(t *testing.T) {
	r, _ := newTestRuntime(t)
	tr := &types.Transformer{Steps: []*types.Step{
		{Type: types.StepMessageBuilder, Enabled: true, MessageSegment: "msg['PID']; evil()", MessageValue: "'x'"},
	}}
	if err := r.CompileFilterTransformer("chan-a:ft:inj2", nil, tr); err == nil {
		t.Error("segment injection should fail compilation")
	}
}

func TestDisabledRulesAndStepsSkipped(t *testing.T) {
	f := &types.Filter{Rules: []*types.Rule{
		{Type: types.RuleJavaScript, Enabled: false, Script: "return false;"},
	}}
	tr := &types.Transformer{Steps: []*types.Step{
		{Type: types.StepJavaScript, Enabled: false, Script: "msg = 'changed';"},
	}}
	accepted, transformed := runFT(t, f, tr, nil, "raw")
	if !accepted {
		t.Error("disabled rule must not reject")
	}
	if transformed != "raw" {
		t.Errorf("disabled step ran: %q", transformed)
	}
}

func TestFilterScriptErrorSurfaces(t *testing.T) {
	r, env := newTestRuntime(t)
	f := &types.Filter{Rules: []*types.Rule{jsRule(types.OpNone, "return missingFn();")}}
	if err := r.CompileFilterTransformer("chan-a:ft:err", f, nil); err != nil {
		t.Fatalf("compile: %v", err)
	}
	cm := &types.ConnectorMessage{ChannelID: "chan-a", MessageID: 1}
	_, _, err := r.RunFilterTransformer(context.Background(), "chan-a:ft:err", env, cm, "raw", nil)
	if err == nil {
		t.Fatal("expected runtime error")
	}
	if !strings.Contains(err.Error(), "script error") {
		t.Errorf("error = %v", err)
	}
}
