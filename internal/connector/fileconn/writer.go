package fileconn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/types"
)

type writerConfig struct {
	directory string
	fileName  string
	template  string
	appendTo  bool
}

// Writer renders each message into a file. Directory, file name, and body
// are all ${var} templates resolved per message.
//
// Properties:
//
//	directory  target directory template (required); created if missing
//	fileName   file name template, default ${message.messageId}.txt
//	template   body template, default ${message.encodedData}
//	append     append to an existing file instead of overwriting
type Writer struct {
	name       string
	metaDataID int
	cfg        writerConfig
	deps       connector.Deps
	replacer   *connector.Replacer
}

func newWriter(cfg *types.DestinationConnector, deps connector.Deps) (connector.Destination, error) {
	props := connector.Props(cfg.Properties)
	wc := writerConfig{
		directory: props.String("directory", ""),
		fileName:  props.String("fileName", "${message.messageId}.txt"),
		template:  props.String("template", "${message.encodedData}"),
		appendTo:  props.Bool("append", false),
	}
	if wc.directory == "" {
		return nil, fmt.Errorf("file destination %q: directory is required", cfg.Name)
	}
	return &Writer{
		name:       cfg.Name,
		metaDataID: cfg.MetaDataID,
		cfg:        wc,
		deps:       deps,
		replacer:   connector.NewReplacer(deps.Vars),
	}, nil
}

// Start is a no-op; the writer opens files per send.
func (w *Writer) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (w *Writer) Stop() error { return nil }

// Send writes one message to its rendered path.
func (w *Writer) Send(ctx context.Context, cm *types.ConnectorMessage) (*types.Response, error) {
	connector.EmitState(ctx, w.deps, w.metaDataID, w.name, events.StateSending)
	defer connector.EmitState(ctx, w.deps, w.metaDataID, w.name, events.StateIdle)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := w.replacer.Replace(w.cfg.directory, cm)
	name := w.replacer.Replace(w.cfg.fileName, cm)
	if name == "" {
		return nil, fmt.Errorf("file destination %q: fileName resolved empty for message %d", w.name, cm.MessageID)
	}
	body := w.replacer.Replace(w.cfg.template, cm)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)

	if w.cfg.appendTo {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := f.WriteString(body); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("append to %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close %s: %w", path, err)
		}
	} else {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}

	return types.NewResponse(types.StatusSent, "File successfully written: "+path), nil
}
