package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

func sampleMessage(channelID string, id int64) *types.Message {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &types.Message{
		MessageID:    id,
		ChannelID:    channelID,
		ServerID:     "srv-1",
		ReceivedDate: now,
		Processed:    true,
		ConnectorMessages: map[int]*types.ConnectorMessage{
			0: {
				MessageID:    id,
				MetaDataID:   0,
				ChannelID:    channelID,
				ReceivedDate: now,
				Status:       types.StatusTransformed,
				Raw: &types.MessageContent{
					ChannelID:   channelID,
					MessageID:   id,
					ContentType: types.ContentRaw,
					Content:     "MSH|^~\\&|LAB|",
				},
				ChannelMap: map[string]any{"mrn": "12345"},
			},
			1: {
				MessageID:    id,
				MetaDataID:   1,
				ChannelID:    channelID,
				ReceivedDate: now,
				Status:       types.StatusSent,
				SendAttempts: 1,
			},
		},
	}
}

func archiveFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return files
}

func TestWriterJSONRoundTrip(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(Options{RootFolder: root, Format: FormatJSON})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := w.Write(sampleMessage("chan-a", i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	files := archiveFiles(t, root)
	if len(files) != 1 {
		t.Fatalf("expected 1 archive file, got %d: %v", len(files), files)
	}
	if !strings.Contains(files[0], filepath.Join(root, "chan-a")) {
		t.Errorf("file not under channel folder: %s", files[0])
	}
	if !strings.HasSuffix(files[0], ".json") {
		t.Errorf("expected .json suffix: %s", files[0])
	}

	data, err := ReadFile(files[0], "")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	msgs, err := ReadMessages(data)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].MessageID != 1 || msgs[2].MessageID != 3 {
		t.Errorf("message order lost: %d, %d", msgs[0].MessageID, msgs[2].MessageID)
	}
	src := msgs[1].Source()
	if src == nil || src.Raw == nil || src.Raw.Content != "MSH|^~\\&|LAB|" {
		t.Errorf("raw content lost in round trip")
	}
}

func TestWriterRotation(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(Options{RootFolder: root, Format: FormatJSON, MessagesPerFile: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// 5 messages at 2 per file rotates into 3 files. File names carry a
	// millisecond timestamp, so space the flushes out.
	for i := int64(1); i <= 5; i++ {
		if err := w.Write(sampleMessage("chan-a", i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if files := archiveFiles(t, root); len(files) != 3 {
		t.Fatalf("expected 3 rotated files, got %d: %v", len(files), files)
	}
}

func TestWriterChannelSwitchRotates(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(Options{RootFolder: root, Format: FormatJSON})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(sampleMessage("chan-a", 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := w.Write(sampleMessage("chan-b", 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	files := archiveFiles(t, root)
	if len(files) != 2 {
		t.Fatalf("expected one file per channel, got %d: %v", len(files), files)
	}
	var sawA, sawB bool
	for _, f := range files {
		sawA = sawA || strings.Contains(f, "chan-a")
		sawB = sawB || strings.Contains(f, "chan-b")
	}
	if !sawA || !sawB {
		t.Errorf("missing channel folder: %v", files)
	}
}

func TestWriterEncryptedGzip(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(Options{
		RootFolder: root,
		Format:     FormatJSON,
		Compress:   true,
		Encrypt:    true,
		Password:   "hunter2",
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(sampleMessage("chan-a", 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	files := archiveFiles(t, root)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if !strings.HasSuffix(files[0], ".json.gz.enc") {
		t.Fatalf("expected .json.gz.enc suffix: %s", files[0])
	}

	raw, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "MSH") {
		t.Error("plaintext visible in encrypted archive")
	}

	if _, err := ReadFile(files[0], "wrong"); err == nil {
		t.Error("expected failure with wrong password")
	}

	data, err := ReadFile(files[0], "hunter2")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	msgs, err := ReadMessages(data)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != 1 {
		t.Fatalf("round trip lost the message: %+v", msgs)
	}
}

func TestDecryptArchiveFile(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(Options{
		RootFolder: root,
		Format:     FormatJSON,
		Compress:   true,
		Encrypt:    true,
		Password:   "s3cret",
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(sampleMessage("chan-a", 7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	enc := archiveFiles(t, root)[0]

	out, err := DecryptArchiveFile(enc, "s3cret")
	if err != nil {
		t.Fatalf("DecryptArchiveFile: %v", err)
	}
	if !strings.HasSuffix(out, ".json") {
		t.Errorf("expected plaintext .json output: %s", out)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	msgs, err := ReadMessages(data)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != 7 {
		t.Fatalf("decrypted archive wrong: %+v", msgs)
	}

	// Refuses to clobber the file it just wrote.
	if _, err := DecryptArchiveFile(enc, "s3cret"); err == nil {
		t.Error("expected error when output already exists")
	}
}

func TestWriterXML(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(Options{RootFolder: root, Format: FormatXML})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(sampleMessage("chan-a", 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	files := archiveFiles(t, root)
	if len(files) != 1 || !strings.HasSuffix(files[0], ".xml") {
		t.Fatalf("expected one .xml file: %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(data)
	for _, want := range []string{`messageId="1"`, `channelId="chan-a"`, `status="SENT"`, "MSH|"} {
		if !strings.Contains(body, want) {
			t.Errorf("xml output missing %q", want)
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"missing root", Options{Format: FormatJSON}, true},
		{"bad format", Options{RootFolder: "/tmp/x", Format: "csv"}, true},
		{"encrypt without password", Options{RootFolder: "/tmp/x", Encrypt: true}, true},
		{"defaults fill in", Options{RootFolder: "/tmp/x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.opts.MessagesPerFile != DefaultMessagesPerFile {
				t.Errorf("MessagesPerFile default not applied: %d", tt.opts.MessagesPerFile)
			}
		})
	}
}
