package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

var attachmentTokenPattern = regexp.MustCompile(`\$\{ATTACH:([^}]+)\}`)

// AttachmentToken is the placeholder left in message content where an
// attachment's body used to be.
func AttachmentToken(id string) string {
	return "${ATTACH:" + id + "}"
}

// Reattach replaces attachment tokens in content with the referenced
// attachment bodies. Tokens naming an unknown attachment stay in place.
func Reattach(content string, atts []*types.Attachment) string {
	if len(atts) == 0 || !strings.Contains(content, "${ATTACH:") {
		return content
	}
	byID := make(map[string][]byte, len(atts))
	for _, a := range atts {
		byID[a.ID] = a.Content
	}
	return attachmentTokenPattern.ReplaceAllStringFunc(content, func(token string) string {
		id := token[len("${ATTACH:") : len(token)-1]
		if body, ok := byID[id]; ok {
			return string(body)
		}
		return token
	})
}

// extractor carves attachments out of inbound payloads before the raw
// content is persisted, so large bodies land once in the attachment table
// instead of in every content slot.
type extractor struct {
	typ  types.AttachmentType
	re   *regexp.Regexp
	mime string
}

// newExtractor returns nil when the channel does not extract attachments:
// extraction disabled, attachments not stored, or nothing durable at all.
func newExtractor(props types.ChannelProperties) (*extractor, error) {
	if props.AttachmentType == types.AttachmentNone || props.AttachmentType == "" {
		return nil, nil
	}
	if !props.StoreAttachments || !props.StorageMode.Durable() {
		return nil, nil
	}
	e := &extractor{typ: props.AttachmentType, mime: props.AttachmentMimeType}
	if e.mime == "" {
		e.mime = "text/plain"
	}
	if e.typ == types.AttachmentRegex {
		re, err := regexp.Compile(props.AttachmentPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid attachment pattern: %w", err)
		}
		e.re = re
	}
	return e, nil
}

// extract pulls attachment bodies out of raw, replacing each with a token.
func (e *extractor) extract(raw string) (string, []*types.Attachment) {
	if e.typ == types.AttachmentIdentity {
		att := &types.Attachment{ID: uuid.NewString(), Type: e.mime, Content: []byte(raw)}
		return AttachmentToken(att.ID), []*types.Attachment{att}
	}

	matches := e.re.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return raw, nil
	}
	var atts []*types.Attachment
	var sb strings.Builder
	last := 0
	for _, loc := range matches {
		// Capture group 1 when the pattern has one, else the whole match.
		start, end := loc[0], loc[1]
		if len(loc) >= 4 && loc[2] >= 0 {
			start, end = loc[2], loc[3]
		}
		att := &types.Attachment{ID: uuid.NewString(), Type: e.mime, Content: []byte(raw[start:end])}
		atts = append(atts, att)
		sb.WriteString(raw[last:start])
		sb.WriteString(AttachmentToken(att.ID))
		last = end
	}
	sb.WriteString(raw[last:])
	return sb.String(), atts
}

// attachmentAccessor exposes one message's attachments to scripts.
type attachmentAccessor struct {
	store     storage.Store
	channelID string
	messageID int64
	mime      string
}

func (a *attachmentAccessor) GetAttachments(ctx context.Context) ([]*types.Attachment, error) {
	return a.store.GetAttachments(ctx, a.channelID, a.messageID)
}

func (a *attachmentAccessor) AddAttachment(ctx context.Context, content []byte, mimeType string) (*types.Attachment, error) {
	if mimeType == "" {
		mimeType = a.mime
	}
	att := &types.Attachment{ID: uuid.NewString(), Type: mimeType, Content: content}
	if err := a.store.InsertAttachment(ctx, a.channelID, a.messageID, att); err != nil {
		return nil, err
	}
	return att, nil
}
