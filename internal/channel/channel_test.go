package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/script"
	"github.com/meridianhq/meridian/internal/storage/sqlstore"
	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/vars"
)

// The test transport pairs a passive source with a scripted destination.
// Each test registers its destination double under a unique key carried in
// the connector properties, so parallel tests never share state.

type passiveSource struct{}

func (passiveSource) Start(ctx context.Context, ingest connector.Ingest) error { return nil }
func (passiveSource) Stop() error                                              { return nil }

type fakeDest struct {
	mu       sync.Mutex
	failures int // initial Send calls that fail
	calls    int
	sent     []string
	response *types.Response
}

func (d *fakeDest) Start(ctx context.Context) error { return nil }
func (d *fakeDest) Stop() error                     { return nil }

func (d *fakeDest) Send(ctx context.Context, cm *types.ConnectorMessage) (*types.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("downstream unavailable")
	}
	d.sent = append(d.sent, contentOf(cm.Encoded))
	return d.response, nil
}

func (d *fakeDest) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

var (
	fakesMu sync.Mutex
	fakes   = map[string]*fakeDest{}
)

func init() {
	connector.RegisterSource("TEST-SRC", func(cfg *types.SourceConnector, deps connector.Deps) (connector.Source, error) {
		return passiveSource{}, nil
	})
	connector.RegisterDestination("TEST-DST", func(cfg *types.DestinationConnector, deps connector.Deps) (connector.Destination, error) {
		fakesMu.Lock()
		defer fakesMu.Unlock()
		d, ok := fakes[cfg.Properties["fake"]]
		if !ok {
			return nil, fmt.Errorf("no fake registered under %q", cfg.Properties["fake"])
		}
		return d, nil
	})
}

func registerFake(t *testing.T, key string, d *fakeDest) {
	t.Helper()
	fakesMu.Lock()
	fakes[key] = d
	fakesMu.Unlock()
	t.Cleanup(func() {
		fakesMu.Lock()
		delete(fakes, key)
		fakesMu.Unlock()
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRuntime provisions storage and scripts for the channel and starts its
// runtime.
func newRuntime(t *testing.T, cfg *types.Channel) (*Runtime, *sqlstore.SQLStore) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstore.OpenSQLite(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("close store: %v", cerr)
		}
	})

	cfg.SetDefaults()
	if err := store.CreateChannelTables(ctx, cfg.ID, cfg.Properties.MetaDataColumns); err != nil {
		t.Fatalf("create channel tables: %v", err)
	}
	if err := store.SaveChannel(ctx, cfg); err != nil {
		t.Fatalf("save channel: %v", err)
	}

	logger := testLogger()
	scripts := script.New(logger, vars.NewService())
	if err := CompileScripts(scripts, cfg); err != nil {
		t.Fatalf("compile scripts: %v", err)
	}

	rt, err := New(Params{
		Channel:  cfg,
		Store:    store,
		Scripts:  scripts,
		Vars:     vars.NewService(),
		ServerID: "test-server",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(func() {
		if serr := rt.Stop(context.Background()); serr != nil {
			t.Errorf("stop runtime: %v", serr)
		}
	})
	return rt, store
}

func testChannel(id string, dests ...*types.DestinationConnector) *types.Channel {
	return &types.Channel{
		ID:      id,
		Name:    "test " + id,
		Enabled: true,
		Source: &types.SourceConnector{
			Name:          "Source",
			TransportName: "TEST-SRC",
		},
		Destinations: dests,
	}
}

func testDest(metaDataID int, name, fakeKey string) *types.DestinationConnector {
	return &types.DestinationConnector{
		MetaDataID:    metaDataID,
		Name:          name,
		TransportName: "TEST-DST",
		Enabled:       true,
		Properties:    map[string]string{"fake": fakeKey},
	}
}

func TestDispatchHappyPathTwoDestinations(t *testing.T) {
	ctx := context.Background()
	d1 := &fakeDest{}
	d2 := &fakeDest{}
	registerFake(t, "happy-1", d1)
	registerFake(t, "happy-2", d2)

	cfg := testChannel("ch-happy",
		testDest(1, "First", "happy-1"),
		testDest(2, "Second", "happy-2"))
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "MSH|^~\\&|LAB|"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if d1.sentCount() != 1 || d2.sentCount() != 1 {
		t.Errorf("sends = %d, %d, want 1, 1", d1.sentCount(), d2.sentCount())
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if !msg.Processed {
		t.Error("message not marked processed")
	}
	src := msg.Source()
	if src == nil || src.Status != types.StatusTransformed {
		t.Fatalf("source status = %v, want TRANSFORMED", src)
	}
	for _, id := range []int{1, 2} {
		cm := msg.ConnectorMessages[id]
		if cm == nil || cm.Status != types.StatusSent {
			t.Errorf("destination %d status = %v, want SENT", id, cm)
		}
	}
}

func TestDispatchSourceFilterReject(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{}
	registerFake(t, "filtered", d)

	cfg := testChannel("ch-filter", testDest(1, "Out", "filtered"))
	cfg.Source.Filter = &types.Filter{
		Rules: []*types.Rule{{
			Sequence: 1,
			Type:     types.RuleJavaScript,
			Enabled:  true,
			Script:   "return false;",
		}},
	}
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "reject me"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.sentCount() != 0 {
		t.Errorf("destination received %d sends, want 0", d.sentCount())
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	src := msg.Source()
	if src.Status != types.StatusFiltered {
		t.Errorf("source status = %s, want FILTERED", src.Status)
	}
	if !msg.Processed {
		t.Error("filtered message should still complete")
	}
	if cm := msg.ConnectorMessages[1]; cm != nil {
		t.Errorf("no destination view expected for a filtered message, got %v", cm.Status)
	}
}

func TestDispatchDestinationFilterReject(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{}
	registerFake(t, "dest-filtered", d)

	dest := testDest(1, "Out", "dest-filtered")
	dest.Filter = &types.Filter{
		Rules: []*types.Rule{{
			Sequence: 1,
			Type:     types.RuleJavaScript,
			Enabled:  true,
			Script:   "return msg.indexOf('keep') >= 0;",
		}},
	}
	cfg := testChannel("ch-dest-filter", dest)
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "drop this"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.sentCount() != 0 {
		t.Errorf("destination received %d sends, want 0", d.sentCount())
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	cm := msg.ConnectorMessages[1]
	if cm == nil || cm.Status != types.StatusFiltered {
		t.Fatalf("destination status = %v, want FILTERED", cm)
	}
	if !msg.Processed {
		t.Error("message not marked processed")
	}
}

func TestDispatchRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{failures: 2}
	registerFake(t, "retry-ok", d)

	dest := testDest(1, "Flaky", "retry-ok")
	dest.Queue = types.QueueSettings{
		Enabled:             true,
		SendFirst:           true,
		RetryCount:          3,
		RetryIntervalMillis: 10,
	}
	cfg := testChannel("ch-retry", dest)
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "persistent"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if d.sentCount() != 1 {
		t.Fatalf("delivered %d times, want 1", d.sentCount())
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	cm := msg.ConnectorMessages[1]
	if cm.Status != types.StatusSent {
		t.Errorf("status = %s, want SENT", cm.Status)
	}
	if cm.SendAttempts != 3 {
		t.Errorf("send attempts = %d, want 3", cm.SendAttempts)
	}
}

func TestDispatchRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{failures: 100}
	registerFake(t, "retry-dead", d)

	dest := testDest(1, "Dead", "retry-dead")
	dest.Queue = types.QueueSettings{
		Enabled:             true,
		SendFirst:           true,
		RetryCount:          2,
		RetryIntervalMillis: 10,
	}
	cfg := testChannel("ch-exhaust", dest)
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "doomed"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	cm := msg.ConnectorMessages[1]
	if cm.Status != types.StatusError {
		t.Errorf("status = %s, want ERROR", cm.Status)
	}
	if cm.SendAttempts != 2 {
		t.Errorf("send attempts = %d, want 2", cm.SendAttempts)
	}
	if cm.ErrorCode&types.ErrorProcessing == 0 {
		t.Errorf("error code = %d, want processing bit set", cm.ErrorCode)
	}
	if !msg.Processed {
		t.Error("errored message should still complete")
	}
}

func TestDispatchNoQueueFailsImmediately(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{failures: 100}
	registerFake(t, "no-queue", d)

	cfg := testChannel("ch-noqueue", testDest(1, "Out", "no-queue"))
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "one shot"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	cm := msg.ConnectorMessages[1]
	if cm.Status != types.StatusError {
		t.Errorf("status = %s, want ERROR", cm.Status)
	}
	if cm.SendAttempts != 1 {
		t.Errorf("send attempts = %d, want 1", cm.SendAttempts)
	}
}

func TestDispatchSourceTransformer(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{}
	registerFake(t, "transform", d)

	cfg := testChannel("ch-transform", testDest(1, "Out", "transform"))
	cfg.Source.Transformer = &types.Transformer{
		Steps: []*types.Step{{
			Sequence: 1,
			Type:     types.StepJavaScript,
			Enabled:  true,
			Script:   "msg = msg.toUpperCase();",
		}},
	}
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "hello"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	d.mu.Lock()
	got := d.sent[0]
	d.mu.Unlock()
	if got != "HELLO" {
		t.Errorf("destination received %q, want %q", got, "HELLO")
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	src := msg.Source()
	if src.Raw == nil || src.Raw.Content != "hello" {
		t.Errorf("stored raw = %v, want original payload", src.Raw)
	}
	if src.Encoded == nil || src.Encoded.Content != "HELLO" {
		t.Errorf("stored encoded = %v, want transformed payload", src.Encoded)
	}
}

func TestDispatchRemoveContentOnCompletion(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{}
	registerFake(t, "cleanup", d)

	cfg := testChannel("ch-cleanup", testDest(1, "Out", "cleanup"))
	cfg.Properties.RemoveContentOnCompletion = true
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "ephemeral"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if !msg.Processed {
		t.Fatal("message not marked processed")
	}
	if src := msg.Source(); src.Raw != nil {
		t.Errorf("raw content survived completion cleanup: %q", src.Raw.Content)
	}
	if cm := msg.ConnectorMessages[1]; cm.Status != types.StatusSent {
		t.Errorf("status = %s, want SENT", cm.Status)
	}
}

// A script failure resolves only its own destination; the rest of the
// chain still runs.
func TestDispatchChainContinuesAfterScriptError(t *testing.T) {
	ctx := context.Background()
	d1 := &fakeDest{}
	d2 := &fakeDest{}
	registerFake(t, "chain-1", d1)
	registerFake(t, "chain-2", d2)

	first := testDest(1, "First", "chain-1")
	first.Filter = &types.Filter{
		Rules: []*types.Rule{{
			Sequence: 1,
			Type:     types.RuleJavaScript,
			Enabled:  true,
			Script:   "throw new Error('boom');",
		}},
	}
	second := testDest(2, "Second", "chain-2")
	second.WaitForPrevious = true

	cfg := testChannel("ch-chain", first, second)
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "payload"}, DispatchOptions{Wait: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, true)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if cm := msg.ConnectorMessages[1]; cm.Status != types.StatusError {
		t.Errorf("first destination status = %s, want ERROR", cm.Status)
	}
	if cm := msg.ConnectorMessages[2]; cm.Status != types.StatusSent {
		t.Errorf("second destination status = %s, want SENT", cm.Status)
	}
	if d2.sentCount() != 1 {
		t.Errorf("second destination sent %d, want 1", d2.sentCount())
	}
	if !msg.Processed {
		t.Error("message not marked processed")
	}
}

func TestDispatchStoppedChannel(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{}
	registerFake(t, "stopped", d)

	cfg := testChannel("ch-stopped", testDest(1, "Out", "stopped"))
	rt, _ := newRuntime(t, cfg)
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "late"}, DispatchOptions{Wait: true}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Dispatch() error = %v, want ErrStopped", err)
	}

	// Force bypasses the running check for reprocessing and manual sends.
	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "forced"}, DispatchOptions{Force: true, Wait: true})
	if err != nil {
		t.Fatalf("forced Dispatch() error = %v", err)
	}
	if result.MessageID == 0 {
		t.Error("forced dispatch allocated no message id")
	}

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestDispatchDeferredMode(t *testing.T) {
	ctx := context.Background()
	d := &fakeDest{}
	registerFake(t, "deferred", d)

	cfg := testChannel("ch-deferred", testDest(1, "Out", "deferred"))
	cfg.Source.ResponseVariable = types.ResponseAutoBefore
	rt, store := newRuntime(t, cfg)

	result, err := rt.Dispatch(ctx, &types.RawMessage{Raw: "async"}, DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Response == nil || result.Response.Status != types.StatusReceived {
		t.Fatalf("deferred response = %v, want RECEIVED ack", result.Response)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := store.GetMessage(ctx, cfg.ID, result.MessageID, false)
		if err == nil && msg.Processed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never completed in deferred mode")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.sentCount() != 1 {
		t.Errorf("sends = %d, want 1", d.sentCount())
	}
}
