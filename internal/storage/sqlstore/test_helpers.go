package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

// newTestStore creates a SQLStore on a temp-file SQLite database.
//
// File-based databases are more reliable than in-memory ones for connection
// pool scenarios, and the temp dir keeps tests isolated from each other.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	ctx := context.Background()
	store, err := OpenSQLite(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}

// seedMessage inserts a bare message row so connector-level tests
// have a parent to hang rows off.
func seedMessage(t *testing.T, store *SQLStore, channelID string, messageID int64) {
	t.Helper()
	err := store.InsertMessage(context.Background(), &types.Message{
		MessageID:    messageID,
		ChannelID:    channelID,
		ServerID:     "srv-1",
		ReceivedDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed message %d: %v", messageID, err)
	}
}

func newTestChannel(id string) *types.Channel {
	ch := &types.Channel{
		ID:      id,
		Name:    "test-" + id,
		Enabled: true,
		Source: &types.SourceConnector{
			TransportName: "VM Listener",
		},
		Destinations: []*types.DestinationConnector{
			{MetaDataID: 1, Name: "dest-1", TransportName: "VM Sender", Enabled: true},
		},
	}
	ch.SetDefaults()
	return ch
}
