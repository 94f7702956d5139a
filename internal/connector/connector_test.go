package connector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

type nopSource struct{}

func (nopSource) Start(ctx context.Context, ingest Ingest) error { return nil }
func (nopSource) Stop() error                                    { return nil }

type nopDestination struct{}

func (nopDestination) Start(ctx context.Context) error { return nil }
func (nopDestination) Stop() error                     { return nil }
func (nopDestination) Send(ctx context.Context, cm *types.ConnectorMessage) (*types.Response, error) {
	return types.NewResponse(types.StatusSent, ""), nil
}

func TestRegistryRoundTrip(t *testing.T) {
	RegisterSource("TEST-SRC", func(cfg *types.SourceConnector, deps Deps) (Source, error) {
		return nopSource{}, nil
	})
	defer func() {
		registryMu.Lock()
		delete(sourceFactories, "TEST-SRC")
		registryMu.Unlock()
	}()
	RegisterDestination("TEST-DST", func(cfg *types.DestinationConnector, deps Deps) (Destination, error) {
		return nopDestination{}, nil
	})
	defer func() {
		registryMu.Lock()
		delete(destinationFactories, "TEST-DST")
		registryMu.Unlock()
	}()

	src, err := NewSource(&types.SourceConnector{Name: "Source", TransportName: "TEST-SRC"}, Deps{})
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src == nil {
		t.Fatal("NewSource() returned nil")
	}

	dst, err := NewDestination(&types.DestinationConnector{Name: "Out", TransportName: "TEST-DST"}, Deps{})
	if err != nil {
		t.Fatalf("NewDestination() error = %v", err)
	}
	if dst == nil {
		t.Fatal("NewDestination() returned nil")
	}

	found := false
	for _, name := range SourceTransports() {
		if name == "TEST-SRC" {
			found = true
		}
	}
	if !found {
		t.Errorf("SourceTransports() = %v, missing TEST-SRC", SourceTransports())
	}
}

func TestUnknownTransport(t *testing.T) {
	_, err := NewSource(&types.SourceConnector{Name: "Source", TransportName: "CARRIER-PIGEON"}, Deps{})
	if !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("error = %v, want ErrUnknownTransport", err)
	}
	if !strings.Contains(err.Error(), "CARRIER-PIGEON") {
		t.Errorf("error should name the transport: %v", err)
	}

	_, err = NewDestination(&types.DestinationConnector{Name: "Out", TransportName: "CARRIER-PIGEON"}, Deps{})
	if !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("destination error = %v, want ErrUnknownTransport", err)
	}
}

func TestProps(t *testing.T) {
	p := Props{
		"host":     "in/",
		"append":   "true",
		"limit":    "25",
		"interval": "1500",
		"garbage":  "not-a-number",
		"empty":    "",
	}

	if got := p.String("host", "def"); got != "in/" {
		t.Errorf("String(host) = %q", got)
	}
	if got := p.String("missing", "def"); got != "def" {
		t.Errorf("String(missing) = %q", got)
	}
	if got := p.String("empty", "def"); got != "def" {
		t.Errorf("String(empty) = %q", got)
	}
	if !p.Bool("append", false) {
		t.Error("Bool(append) = false")
	}
	if p.Bool("garbage", false) {
		t.Error("Bool(garbage) should fall back to default")
	}
	if got := p.Int("limit", 1); got != 25 {
		t.Errorf("Int(limit) = %d", got)
	}
	if got := p.Int("garbage", 7); got != 7 {
		t.Errorf("Int(garbage) = %d", got)
	}
	if got := p.DurationMillis("interval", time.Second); got != 1500*time.Millisecond {
		t.Errorf("DurationMillis(interval) = %v", got)
	}
	if got := p.DurationMillis("missing", time.Second); got != time.Second {
		t.Errorf("DurationMillis(missing) = %v", got)
	}
}
