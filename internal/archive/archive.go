// Package archive streams messages into on-disk export files before the
// pruner deletes them. Files are grouped by channel and calendar date, one
// message per line, optionally gzipped and sealed in an AES-256-GCM
// envelope derived from a password.
package archive

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/meridianhq/meridian/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format selects the per-line encoding of archived messages.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// IsValid checks if the format value is valid
func (f Format) IsValid() bool {
	return f == FormatJSON || f == FormatXML
}

// DefaultMessagesPerFile bounds how many messages land in one archive file
// before it rotates.
const DefaultMessagesPerFile = 50

// Options configures a Writer.
type Options struct {
	// RootFolder receives <channelId>/<YYYY-MM-DD>/messages_*.<ext> trees.
	RootFolder string
	Format     Format
	// Compress gzips each file. Applied before encryption.
	Compress bool
	// Encrypt seals each file with AES-256-GCM; Password is required.
	Encrypt  bool
	Password string
	// MessagesPerFile rotates the file when reached; zero means
	// DefaultMessagesPerFile.
	MessagesPerFile int
}

// Validate checks the options for usability.
func (o *Options) Validate() error {
	if o.RootFolder == "" {
		return errors.New("archive root folder is required")
	}
	if o.Format == "" {
		o.Format = FormatJSON
	}
	if !o.Format.IsValid() {
		return fmt.Errorf("invalid archive format: %q", o.Format)
	}
	if o.Encrypt && o.Password == "" {
		return errors.New("archive encryption requires a password")
	}
	if o.MessagesPerFile <= 0 {
		o.MessagesPerFile = DefaultMessagesPerFile
	}
	return nil
}

// Writer streams messages into rotated archive files. Not safe for
// concurrent use; the pruner archives one batch at a time.
type Writer struct {
	opts Options

	channelID string
	buf       bytes.Buffer
	count     int
}

// NewWriter builds a Writer after validating the options.
func NewWriter(opts Options) (*Writer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Writer{opts: opts}, nil
}

// Write appends one message line to the current file, rotating first when
// the file is full or the channel changed.
func (w *Writer) Write(msg *types.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if w.count > 0 && (msg.ChannelID != w.channelID || w.count >= w.opts.MessagesPerFile) {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.channelID = msg.ChannelID

	line, err := w.encode(msg)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", msg.MessageID, err)
	}
	w.buf.Write(line)
	w.buf.WriteByte('\n')
	w.count++
	return nil
}

// Flush closes out the current file, applying compression and encryption.
// A writer with nothing buffered flushes to nothing.
func (w *Writer) Flush() error {
	if w.count == 0 {
		return nil
	}
	data := w.buf.Bytes()

	if w.opts.Compress {
		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress archive: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress archive: %w", err)
		}
		data = gz.Bytes()
	}
	if w.opts.Encrypt {
		sealed, err := seal(data, w.opts.Password)
		if err != nil {
			return fmt.Errorf("encrypt archive: %w", err)
		}
		data = sealed
	}

	path := w.filePath(time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}

	w.buf.Reset()
	w.count = 0
	return nil
}

// filePath builds the rotated file name for the current buffer.
func (w *Writer) filePath(now time.Time) string {
	name := fmt.Sprintf("messages_%d.%s", now.UnixMilli(), w.opts.Format)
	if w.opts.Compress {
		name += ".gz"
	}
	if w.opts.Encrypt {
		name += ".enc"
	}
	return filepath.Join(w.opts.RootFolder, w.channelID, now.Format("2006-01-02"), name)
}

func (w *Writer) encode(msg *types.Message) ([]byte, error) {
	if w.opts.Format == FormatXML {
		return encodeXML(msg)
	}
	return json.Marshal(msg)
}

// ReadMessages decodes a decrypted, decompressed JSON archive back into
// messages. Blank lines are skipped.
func ReadMessages(data []byte) ([]*types.Message, error) {
	var msgs []*types.Message
	for i, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode archive line %d: %w", i+1, err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// ReadFile loads an archive file, reversing encryption and compression as
// the file name indicates, and returns the raw line data.
func ReadFile(path, password string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".enc") {
		if data, err = open(data, password); err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", filepath.Base(path), err)
		}
	}
	if strings.Contains(filepath.Base(path), ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
		}
		defer func() { _ = zr.Close() }()
		var out bytes.Buffer
		if _, err := out.ReadFrom(zr); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
		}
		data = out.Bytes()
	}
	return data, nil
}
