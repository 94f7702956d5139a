package connector

import (
	"testing"

	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/vars"
)

func testMessage() *types.ConnectorMessage {
	return &types.ConnectorMessage{
		MessageID: 42,
		ChannelID: "chan-a",
		Raw:       &types.MessageContent{ContentType: types.ContentRaw, Content: "raw-body"},
		Encoded:   &types.MessageContent{ContentType: types.ContentEncoded, Content: "encoded-body"},
		SourceMap: map[string]any{"originalFilename": "lab.hl7", "tier": "source"},
		ChannelMap: map[string]any{
			"tier": "channel",
			"mrn":  "12345",
		},
		ConnectorMap: map[string]any{"tier": "connector"},
		ResponseMap:  map[string]any{"tier": "response"},
	}
}

func TestReplaceScopePrecedence(t *testing.T) {
	v := vars.NewService()
	v.Global().Put("tier", "global")
	v.Global().Put("site", "east")
	v.Channel("chan-a").Put("tier", "global-channel")
	v.Channel("chan-a").Put("region", "north")
	v.Configuration().Put("tier", "configuration")
	v.Configuration().Put("smtpHost", "mail.local")

	r := NewReplacer(v)
	cm := testMessage()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"response wins", "${tier}", "response"},
		{"channel map", "${mrn}", "12345"},
		{"source map", "${originalFilename}", "lab.hl7"},
		{"global channel", "${region}", "north"},
		{"global", "${site}", "east"},
		{"configuration", "${smtpHost}", "mail.local"},
		{"unresolved empty", "x${nope}y", "xy"},
		{"no placeholder", "plain", "plain"},
		{"mixed", "${mrn}-${site}.txt", "12345-east.txt"},
		{"attachment token survives", "a ${ATTACH:id-1} b", "a ${ATTACH:id-1} b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Replace(tt.template, cm); got != tt.want {
				t.Errorf("Replace(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestReplaceConnectorBeatsChannel(t *testing.T) {
	r := NewReplacer(nil)
	cm := testMessage()
	delete(cm.ResponseMap, "tier")
	if got := r.Replace("${tier}", cm); got != "connector" {
		t.Errorf("Replace(tier) = %q, want connector", got)
	}
	delete(cm.ConnectorMap, "tier")
	if got := r.Replace("${tier}", cm); got != "channel" {
		t.Errorf("Replace(tier) = %q, want channel", got)
	}
}

func TestReplaceMessagePseudoVariables(t *testing.T) {
	r := NewReplacer(nil)
	cm := testMessage()

	tests := []struct {
		template string
		want     string
	}{
		{"${message.messageId}", "42"},
		{"${message.channelId}", "chan-a"},
		{"${message.rawData}", "raw-body"},
		{"${message.encodedData}", "encoded-body"},
		{"${message.transformedData}", ""},
	}
	for _, tt := range tests {
		if got := r.Replace(tt.template, cm); got != tt.want {
			t.Errorf("Replace(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestReplaceEncodedFallsBackToRaw(t *testing.T) {
	r := NewReplacer(nil)
	cm := testMessage()
	cm.Encoded = nil
	if got := r.Replace("${message.encodedData}", cm); got != "raw-body" {
		t.Errorf("encodedData without encoded slot = %q, want raw-body", got)
	}
	cm.ProcessedRaw = &types.MessageContent{ContentType: types.ContentProcessedRaw, Content: "pre-body"}
	if got := r.Replace("${message.encodedData}", cm); got != "pre-body" {
		t.Errorf("encodedData with processed raw = %q, want pre-body", got)
	}
}

func TestReplaceStringifiesValues(t *testing.T) {
	r := NewReplacer(nil)
	cm := testMessage()
	cm.ChannelMap["count"] = int64(7)
	cm.ChannelMap["flag"] = true
	if got := r.Replace("${count}/${flag}", cm); got != "7/true" {
		t.Errorf("Replace = %q", got)
	}
}

func TestLookupKeepsTypes(t *testing.T) {
	v := vars.NewService()
	v.Global().Put("n", int64(9))
	r := NewReplacer(v)
	cm := testMessage()

	got, ok := r.Lookup("n", cm)
	if !ok || got != int64(9) {
		t.Errorf("Lookup(n) = %v, %v", got, ok)
	}
	if _, ok := r.Lookup("absent", cm); ok {
		t.Error("Lookup(absent) should miss")
	}
}
