package archive

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

// XML export shape. Maps are flattened into entry lists because Go maps do
// not marshal to XML directly.
type xmlMessage struct {
	XMLName      xml.Name      `xml:"message"`
	MessageID    int64         `xml:"messageId,attr"`
	ChannelID    string        `xml:"channelId,attr"`
	ServerID     string        `xml:"serverId,attr,omitempty"`
	ReceivedDate string        `xml:"receivedDate,attr"`
	Processed    bool          `xml:"processed,attr"`
	OriginalID   *int64        `xml:"originalId,attr,omitempty"`
	Connectors   []xmlConnector `xml:"connectorMessage"`
}

type xmlConnector struct {
	MetaDataID    int          `xml:"metaDataId,attr"`
	ConnectorName string       `xml:"connectorName,attr,omitempty"`
	Status        string       `xml:"status,attr"`
	ReceivedDate  string       `xml:"receivedDate,attr"`
	SendAttempts  int          `xml:"sendAttempts,attr,omitempty"`
	ErrorCode     int          `xml:"errorCode,attr,omitempty"`
	Content       []xmlContent `xml:"content"`
	SourceMap     []xmlEntry   `xml:"sourceMap>entry,omitempty"`
	ConnectorMap  []xmlEntry   `xml:"connectorMap>entry,omitempty"`
	ChannelMap    []xmlEntry   `xml:"channelMap>entry,omitempty"`
	ResponseMap   []xmlEntry   `xml:"responseMap>entry,omitempty"`
}

type xmlContent struct {
	Type     string `xml:"type,attr"`
	DataType string `xml:"dataType,attr,omitempty"`
	Body     string `xml:",cdata"`
}

type xmlEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

func encodeXML(msg *types.Message) ([]byte, error) {
	out := xmlMessage{
		MessageID:    msg.MessageID,
		ChannelID:    msg.ChannelID,
		ServerID:     msg.ServerID,
		ReceivedDate: msg.ReceivedDate.UTC().Format(time.RFC3339Nano),
		Processed:    msg.Processed,
		OriginalID:   msg.OriginalID,
	}
	for _, id := range msg.MetaDataIDs() {
		cm := msg.ConnectorMessages[id]
		xc := xmlConnector{
			MetaDataID:    cm.MetaDataID,
			ConnectorName: cm.ConnectorName,
			Status:        string(cm.Status),
			ReceivedDate:  cm.ReceivedDate.UTC().Format(time.RFC3339Nano),
			SendAttempts:  cm.SendAttempts,
			ErrorCode:     cm.ErrorCode,
			SourceMap:     mapEntries(cm.SourceMap),
			ConnectorMap:  mapEntries(cm.ConnectorMap),
			ChannelMap:    mapEntries(cm.ChannelMap),
			ResponseMap:   mapEntries(cm.ResponseMap),
		}
		for _, mc := range []*types.MessageContent{
			cm.Raw, cm.ProcessedRaw, cm.Transformed, cm.Encoded, cm.Sent,
			cm.Response, cm.ResponseTransformed, cm.ProcessedResponse,
			cm.ProcessingError, cm.PostprocessorError, cm.ResponseError,
		} {
			if mc == nil {
				continue
			}
			xc.Content = append(xc.Content, xmlContent{
				Type:     mc.ContentType.String(),
				DataType: mc.DataType,
				Body:     mc.Content,
			})
		}
		out.Connectors = append(out.Connectors, xc)
	}
	return xml.Marshal(out)
}

func mapEntries(m map[string]any) []xmlEntry {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]xmlEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, xmlEntry{Key: k, Value: fmt.Sprint(m[k])})
	}
	return entries
}

// writeFileNoClobber refuses to overwrite an existing file.
func writeFileNoClobber(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
