package fileconn

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/types"
)

func newTestWriterConn(t *testing.T, props map[string]string) *Writer {
	t.Helper()
	dst, err := newWriter(&types.DestinationConnector{
		MetaDataID: 1, Name: "File Out", TransportName: connector.TransportFile,
		Properties: props,
	}, connector.Deps{ChannelID: "chan-a"})
	if err != nil {
		t.Fatalf("newWriter() error = %v", err)
	}
	return dst.(*Writer)
}

func outboundMessage() *types.ConnectorMessage {
	return &types.ConnectorMessage{
		MessageID: 4, MetaDataID: 1, ChannelID: "chan-a",
		Encoded:    &types.MessageContent{ContentType: types.ContentEncoded, Content: "encoded-body"},
		ChannelMap: map[string]any{"mrn": "777"},
	}
}

func TestWriterRequiresDirectory(t *testing.T) {
	_, err := newWriter(&types.DestinationConnector{
		MetaDataID: 1, Name: "File Out", TransportName: connector.TransportFile,
	}, connector.Deps{})
	if err == nil || !strings.Contains(err.Error(), "directory is required") {
		t.Fatalf("error = %v", err)
	}
}

func TestWriterWritesRenderedFile(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriterConn(t, map[string]string{
		"directory": dir,
		"fileName":  "${message.messageId}-${mrn}.out",
		"template":  "${mrn}:${message.encodedData}",
	})

	resp, err := w.Send(context.Background(), outboundMessage())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	path := filepath.Join(dir, "4-777.out")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "777:encoded-body" {
		t.Errorf("content = %q", content)
	}
	if resp.Status != types.StatusSent || !strings.Contains(resp.Message, path) {
		t.Errorf("response = %+v", resp)
	}
}

func TestWriterDefaultsToEncodedData(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriterConn(t, map[string]string{"directory": dir})

	if _, err := w.Send(context.Background(), outboundMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "4.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "encoded-body" {
		t.Errorf("content = %q", content)
	}
}

func TestWriterAppendMode(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriterConn(t, map[string]string{
		"directory": dir,
		"fileName":  "audit.log",
		"template":  "${message.messageId};",
		"append":    "true",
	})

	cm := outboundMessage()
	if _, err := w.Send(context.Background(), cm); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	cm.MessageID = 5
	if _, err := w.Send(context.Background(), cm); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "4;5;" {
		t.Errorf("content = %q", content)
	}
}

func TestWriterCreatesNestedDirectories(t *testing.T) {
	base := t.TempDir()
	w := newTestWriterConn(t, map[string]string{
		"directory": filepath.Join(base, "out", "${mrn}"),
	})

	if _, err := w.Send(context.Background(), outboundMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "out", "777", "4.txt")); err != nil {
		t.Errorf("nested output missing: %v", err)
	}
}

func TestWriterEmptyFileName(t *testing.T) {
	w := newTestWriterConn(t, map[string]string{
		"directory": t.TempDir(),
		"fileName":  "${missingVariable}",
	})
	if _, err := w.Send(context.Background(), outboundMessage()); err == nil || !strings.Contains(err.Error(), "resolved empty") {
		t.Fatalf("error = %v", err)
	}
}

func TestWriterCancelledContext(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriterConn(t, map[string]string{"directory": dir})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Send(ctx, outboundMessage()); err == nil {
		t.Fatal("Send() on cancelled context should fail")
	}
	if _, err := os.Stat(filepath.Join(dir, "4.txt")); !os.IsNotExist(err) {
		t.Error("cancelled send must not write the file")
	}
}
