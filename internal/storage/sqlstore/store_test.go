package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

func TestChannelRegistry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := newTestChannel("chan-a")
	ch.Description = "intake feed"
	ch.Revision = 1
	if err := store.SaveChannel(ctx, ch); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	got, err := store.GetChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Name != ch.Name || got.Description != "intake feed" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Properties.StorageMode != types.StorageDevelopment {
		t.Errorf("defaults should apply on load, got storage mode %s", got.Properties.StorageMode)
	}

	// Upsert bumps revision in place.
	ch.Revision = 2
	ch.Description = "intake feed v2"
	if err := store.SaveChannel(ctx, ch); err != nil {
		t.Fatalf("SaveChannel update: %v", err)
	}
	got, err = store.GetChannel(ctx, "chan-a")
	if err != nil {
		t.Fatalf("GetChannel after update: %v", err)
	}
	if got.Revision != 2 || got.Description != "intake feed v2" {
		t.Errorf("update not applied: rev=%d desc=%q", got.Revision, got.Description)
	}

	ch2 := newTestChannel("chan-b")
	if err := store.SaveChannel(ctx, ch2); err != nil {
		t.Fatalf("SaveChannel second: %v", err)
	}
	all, err := store.GetChannels(ctx)
	if err != nil {
		t.Fatalf("GetChannels: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("GetChannels returned %d, want 2", len(all))
	}

	if err := store.RemoveChannel(ctx, "chan-a"); err != nil {
		t.Fatalf("RemoveChannel: %v", err)
	}
	if _, err := store.GetChannel(ctx, "chan-a"); !errors.Is(err, storage.ErrChannelNotFound) {
		t.Errorf("GetChannel after remove = %v, want ErrChannelNotFound", err)
	}
	if err := store.RemoveChannel(ctx, "chan-a"); !errors.Is(err, storage.ErrChannelNotFound) {
		t.Errorf("RemoveChannel twice = %v, want ErrChannelNotFound", err)
	}
}

func TestSaveChannelRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	bad := newTestChannel("chan-bad")
	bad.Destinations = nil
	if err := store.SaveChannel(ctx, bad); err == nil {
		t.Error("SaveChannel should reject a channel without destinations")
	}
}

func TestChannelTableLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	exists, err := store.HasChannelTables(ctx, "chan-t")
	if err != nil {
		t.Fatalf("HasChannelTables: %v", err)
	}
	if exists {
		t.Fatal("tables should not exist before create")
	}

	if err := store.CreateChannelTables(ctx, "chan-t", nil); err != nil {
		t.Fatalf("CreateChannelTables: %v", err)
	}
	exists, err = store.HasChannelTables(ctx, "chan-t")
	if err != nil || !exists {
		t.Fatalf("tables should exist after create (exists=%v err=%v)", exists, err)
	}

	// Idempotent.
	if err := store.CreateChannelTables(ctx, "chan-t", nil); err != nil {
		t.Fatalf("CreateChannelTables second call: %v", err)
	}

	if err := store.RemoveChannelTables(ctx, "chan-t"); err != nil {
		t.Fatalf("RemoveChannelTables: %v", err)
	}
	exists, err = store.HasChannelTables(ctx, "chan-t")
	if err != nil || exists {
		t.Fatalf("tables should be gone after remove (exists=%v err=%v)", exists, err)
	}

	// Removing twice is fine.
	if err := store.RemoveChannelTables(ctx, "chan-t"); err != nil {
		t.Fatalf("RemoveChannelTables twice: %v", err)
	}
}

func TestCreateChannelTablesAddsMetaDataColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cols := []types.MetaDataColumn{
		{Name: "MRN", Type: types.MetaDataString, MappingName: "mrn"},
	}
	if err := store.CreateChannelTables(ctx, "chan-m", cols); err != nil {
		t.Fatalf("CreateChannelTables: %v", err)
	}

	// Redeploy with an extra column; the new one is added in place.
	cols = append(cols, types.MetaDataColumn{Name: "SEVERITY", Type: types.MetaDataNumber, MappingName: "severity"})
	if err := store.CreateChannelTables(ctx, "chan-m", cols); err != nil {
		t.Fatalf("CreateChannelTables with new column: %v", err)
	}

	// The new column must be writable.
	seedMessage(t, store, "chan-m", 1)
	cm := &types.ConnectorMessage{
		MessageID: 1, MetaDataID: 0, ChannelID: "chan-m", Status: types.StatusReceived,
		ConnectorMap: map[string]any{"mrn": "12345", "severity": 2.0},
	}
	if err := store.InsertConnectorMessage(ctx, cm, false); err != nil {
		t.Fatalf("InsertConnectorMessage: %v", err)
	}
	if err := store.SetMetaData(ctx, cm, cols); err != nil {
		t.Fatalf("SetMetaData: %v", err)
	}
}

func TestNextMessageID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateChannelTables(ctx, "chan-seq", nil); err != nil {
		t.Fatalf("CreateChannelTables: %v", err)
	}

	for want := int64(1); want <= 5; want++ {
		id, err := store.NextMessageID(ctx, "chan-seq")
		if err != nil {
			t.Fatalf("NextMessageID: %v", err)
		}
		if id != want {
			t.Fatalf("NextMessageID = %d, want %d", id, want)
		}
	}

	if err := store.RemoveAllMessages(ctx, "chan-seq"); err != nil {
		t.Fatalf("RemoveAllMessages: %v", err)
	}
	id, err := store.NextMessageID(ctx, "chan-seq")
	if err != nil {
		t.Fatalf("NextMessageID after reset: %v", err)
	}
	if id != 1 {
		t.Errorf("sequence should restart at 1 after RemoveAllMessages, got %d", id)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SetConfig(ctx, "Data Pruner", "pruner.config", `{"enabled":true}`); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	v, err := store.GetConfig(ctx, "Data Pruner", "pruner.config")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if v != `{"enabled":true}` {
		t.Errorf("GetConfig = %q", v)
	}

	// Upsert overwrites.
	if err := store.SetConfig(ctx, "Data Pruner", "pruner.config", `{"enabled":false}`); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	v, _ = store.GetConfig(ctx, "Data Pruner", "pruner.config")
	if v != `{"enabled":false}` {
		t.Errorf("overwrite not applied: %q", v)
	}

	if err := store.SetConfig(ctx, "Data Pruner", "last.run", "2026-01-01"); err != nil {
		t.Fatalf("SetConfig second key: %v", err)
	}
	cat, err := store.GetConfigCategory(ctx, "Data Pruner")
	if err != nil {
		t.Fatalf("GetConfigCategory: %v", err)
	}
	if len(cat) != 2 {
		t.Errorf("category has %d entries, want 2", len(cat))
	}

	if _, err := store.GetConfig(ctx, "Data Pruner", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing config = %v, want ErrNotFound", err)
	}
	if err := store.RemoveConfig(ctx, "Data Pruner", "last.run"); err != nil {
		t.Fatalf("RemoveConfig: %v", err)
	}
	if _, err := store.GetConfig(ctx, "Data Pruner", "last.run"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("removed config = %v, want ErrNotFound", err)
	}
}

func TestEventLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := types.NewServerEvent("srv-1", "Channel deployed").WithAttribute("channel", "chan-a")
	old.EventTime = time.Now().Add(-48 * time.Hour)
	if err := store.InsertEvent(ctx, old); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	recent := types.NewServerEvent("srv-1", "Messages pruned")
	if err := store.InsertEvent(ctx, recent); err != nil {
		t.Fatalf("InsertEvent recent: %v", err)
	}
	if recent.ID == 0 {
		t.Error("InsertEvent should backfill the row ID")
	}

	events, err := store.GetEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("GetEvents returned %d, want 2", len(events))
	}
	if events[0].Name != "Messages pruned" {
		t.Errorf("events should be newest first, got %q", events[0].Name)
	}
	if events[1].Attributes["channel"] != "chan-a" {
		t.Errorf("attributes not round-tripped: %v", events[1].Attributes)
	}

	n, err := store.PruneEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneEvents removed %d, want 1", n)
	}
}

func TestRunInTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateChannelTables(ctx, "chan-tx", nil); err != nil {
		t.Fatalf("CreateChannelTables: %v", err)
	}

	boom := fmt.Errorf("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertMessage(ctx, &types.Message{MessageID: 1, ChannelID: "chan-tx", ReceivedDate: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTransaction = %v, want boom", err)
	}
	if _, err := store.GetMessage(ctx, "chan-tx", 1, false); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("message should have rolled back, got %v", err)
	}

	err = store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.InsertMessage(ctx, &types.Message{MessageID: 2, ChannelID: "chan-tx", ReceivedDate: time.Now()})
	})
	if err != nil {
		t.Fatalf("RunInTransaction commit: %v", err)
	}
	if _, err := store.GetMessage(ctx, "chan-tx", 2, false); err != nil {
		t.Errorf("committed message should be readable, got %v", err)
	}
}

func TestTxSequenceRollsBackWithInserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateChannelTables(ctx, "chan-seq-tx", nil); err != nil {
		t.Fatalf("CreateChannelTables: %v", err)
	}

	boom := fmt.Errorf("boom")
	var first int64
	err := store.RunInTransaction(ctx, func(tx storage.Tx) error {
		id, err := tx.NextMessageID(ctx, "chan-seq-tx")
		if err != nil {
			return err
		}
		first = id
		if err := tx.InsertMessage(ctx, &types.Message{MessageID: id, ChannelID: "chan-seq-tx", ReceivedDate: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTransaction = %v, want boom", err)
	}
	if first != 1 {
		t.Fatalf("first allocation = %d, want 1", first)
	}

	// The rollback returned the ID to the sequence: the next transaction
	// gets the same one, so a crash between allocation and insert cannot
	// leave a gap with no message row.
	var got int64
	err = store.RunInTransaction(ctx, func(tx storage.Tx) error {
		id, err := tx.NextMessageID(ctx, "chan-seq-tx")
		if err != nil {
			return err
		}
		got = id
		return tx.InsertMessage(ctx, &types.Message{MessageID: id, ChannelID: "chan-seq-tx", ReceivedDate: time.Now()})
	})
	if err != nil {
		t.Fatalf("RunInTransaction commit: %v", err)
	}
	if got != first {
		t.Errorf("reallocated ID = %d, want %d", got, first)
	}
	if _, err := store.GetMessage(ctx, "chan-seq-tx", got, false); err != nil {
		t.Errorf("committed message should be readable, got %v", err)
	}
}

func TestMissingTablesClassified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.NextMessageID(ctx, "chan-none"); !errors.Is(err, storage.ErrNoChannelTables) {
		t.Errorf("NextMessageID without tables = %v, want ErrNoChannelTables", err)
	}

	cm := &types.ConnectorMessage{MessageID: 1, MetaDataID: 0, ChannelID: "chan-none", Status: types.StatusReceived}
	err := store.UpdateStatus(ctx, cm, types.StatusReceived)
	if !errors.Is(err, storage.ErrNoChannelTables) {
		t.Errorf("UpdateStatus without tables = %v, want ErrNoChannelTables", err)
	}
	if kind := storage.KindOf(err); kind != storage.KindMissingTables {
		t.Errorf("KindOf = %v, want KindMissingTables", kind)
	}
}

func TestStoreClosedGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	s2, err := OpenSQLite(ctx, t.TempDir()+"/closed.db")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := s2.GetChannels(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("GetChannels on closed store = %v, want ErrClosed", err)
	}
	_ = store
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
}
