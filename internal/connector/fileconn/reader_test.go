package fileconn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/types"
)

type capturedMessage struct {
	raw       string
	sourceMap map[string]any
}

// collector is an Ingest that records messages and signals arrival.
type collector struct {
	mu       sync.Mutex
	messages []capturedMessage
	arrived  chan struct{}
	fail     bool
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 64)}
}

func (c *collector) ingest(ctx context.Context, raw *types.RawMessage) (*types.DispatchResult, error) {
	c.mu.Lock()
	c.messages = append(c.messages, capturedMessage{raw: raw.Raw, sourceMap: raw.SourceMap})
	fail := c.fail
	c.mu.Unlock()
	c.arrived <- struct{}{}
	if fail {
		return nil, errors.New("pipeline rejected")
	}
	return &types.DispatchResult{MessageID: int64(len(c.messages))}, nil
}

func (c *collector) wait(t *testing.T, n int) []capturedMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		count := len(c.messages)
		c.mu.Unlock()
		if count >= n {
			break
		}
		select {
		case <-c.arrived:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages (got %d)", n, count)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func startReader(t *testing.T, props map[string]string, ingest connector.Ingest) *Reader {
	t.Helper()
	src, err := newReader(&types.SourceConnector{
		Name: "File In", TransportName: connector.TransportFile, Properties: props,
	}, connector.Deps{ChannelID: "chan-a"})
	if err != nil {
		t.Fatalf("newReader() error = %v", err)
	}
	r := src.(*Reader)
	if err := r.Start(context.Background(), ingest); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func waitGone(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s still exists", path)
}

func waitExists(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never appeared", path)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReaderConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]string
		want  string
	}{
		{"missing directory", map[string]string{}, "directory is required"},
		{"move without target", map[string]string{"directory": "in", "afterProcessAction": "move"}, "moveToDirectory"},
		{"unknown action", map[string]string{"directory": "in", "afterProcessAction": "shred"}, "unknown afterProcessAction"},
		{"bad glob", map[string]string{"directory": "in", "fileFilter": "["}, "bad fileFilter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newReader(&types.SourceConnector{
				Name: "File In", TransportName: connector.TransportFile, Properties: tt.props,
			}, connector.Deps{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestReaderDispatchesSortedAndDeletes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "second")
	aPath := writeFile(t, dir, "a.txt", "first")
	writeFile(t, dir, "skip.dat", "ignored")

	c := newCollector()
	startReader(t, map[string]string{
		"directory":      dir,
		"fileFilter":     "*.txt",
		"pollIntervalMs": "50",
	}, c.ingest)

	msgs := c.wait(t, 2)
	if msgs[0].raw != "first" || msgs[1].raw != "second" {
		t.Errorf("dispatch order = %q, %q", msgs[0].raw, msgs[1].raw)
	}
	if msgs[0].sourceMap["originalFilename"] != "a.txt" {
		t.Errorf("originalFilename = %v", msgs[0].sourceMap["originalFilename"])
	}
	if msgs[0].sourceMap["fileDirectory"] != dir {
		t.Errorf("fileDirectory = %v", msgs[0].sourceMap["fileDirectory"])
	}
	if msgs[0].sourceMap["fileSize"] != int64(len("first")) {
		t.Errorf("fileSize = %v", msgs[0].sourceMap["fileSize"])
	}
	if _, ok := msgs[0].sourceMap["fileLastModified"].(int64); !ok {
		t.Errorf("fileLastModified = %T", msgs[0].sourceMap["fileLastModified"])
	}

	waitGone(t, aPath)
	if _, err := os.Stat(filepath.Join(dir, "skip.dat")); err != nil {
		t.Error("unmatched file should remain")
	}
}

func TestReaderMoveAction(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "done")
	writeFile(t, dir, "m.txt", "move me")

	c := newCollector()
	startReader(t, map[string]string{
		"directory":          dir,
		"fileFilter":         "*.txt",
		"pollIntervalMs":     "50",
		"afterProcessAction": "move",
		"moveToDirectory":    archive,
	}, c.ingest)

	c.wait(t, 1)
	waitExists(t, filepath.Join(archive, "m.txt"))
	waitGone(t, filepath.Join(dir, "m.txt"))
}

func TestReaderRejectedFileMovesToErrorDir(t *testing.T) {
	dir := t.TempDir()
	errDir := filepath.Join(dir, "errors")
	writeFile(t, dir, "bad.txt", "rejected")

	c := newCollector()
	c.fail = true
	startReader(t, map[string]string{
		"directory":            dir,
		"fileFilter":           "*.txt",
		"pollIntervalMs":       "50",
		"errorMoveToDirectory": errDir,
	}, c.ingest)

	c.wait(t, 1)
	waitExists(t, filepath.Join(errDir, "bad.txt"))
}

func TestReaderSkipsYoungFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fresh.txt", "too new")

	c := newCollector()
	startReader(t, map[string]string{
		"directory":      dir,
		"pollIntervalMs": "25",
		"fileAgeMs":      "3600000",
	}, c.ingest)

	time.Sleep(150 * time.Millisecond)
	c.mu.Lock()
	count := len(c.messages)
	c.mu.Unlock()
	if count != 0 {
		t.Errorf("dispatched %d messages, want 0 while file is young", count)
	}
}

func TestReaderStartTwice(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	r := startReader(t, map[string]string{"directory": dir, "pollIntervalMs": "50"}, c.ingest)
	if err := r.Start(context.Background(), c.ingest); err == nil {
		t.Error("second Start should fail")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Stop is idempotent and the reader can start again afterwards.
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := r.Start(context.Background(), c.ingest); err != nil {
		t.Fatalf("restart error = %v", err)
	}
}

func TestTransportRegistration(t *testing.T) {
	src, err := connector.NewSource(&types.SourceConnector{
		Name: "File In", TransportName: connector.TransportFile,
		Properties: map[string]string{"directory": t.TempDir()},
	}, connector.Deps{})
	if err != nil {
		t.Fatalf("NewSource(FILE) error = %v", err)
	}
	if _, ok := src.(*Reader); !ok {
		t.Errorf("NewSource(FILE) = %T", src)
	}

	dst, err := connector.NewDestination(&types.DestinationConnector{
		MetaDataID: 1, Name: "File Out", TransportName: connector.TransportFile,
		Properties: map[string]string{"directory": t.TempDir()},
	}, connector.Deps{})
	if err != nil {
		t.Fatalf("NewDestination(FILE) error = %v", err)
	}
	if _, ok := dst.(*Writer); !ok {
		t.Errorf("NewDestination(FILE) = %T", dst)
	}
}
