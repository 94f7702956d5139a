package sqlstore

import (
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/internal/types"
)

// globalSchema returns the DDL for the tables every deployment shares:
// the channel registry, the configuration map, and the server event log.
func globalSchema(d Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS CHANNELS (
			CHANNEL_ID VARCHAR(36) NOT NULL PRIMARY KEY,
			NAME VARCHAR(80) NOT NULL,
			REVISION INTEGER NOT NULL DEFAULT 1,
			CHANNEL ` + d.LongText() + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS CONFIGURATION (
			CATEGORY VARCHAR(255) NOT NULL,
			NAME VARCHAR(255) NOT NULL,
			VALUE ` + d.LongText() + `,
			PRIMARY KEY (CATEGORY, NAME)
		)`,
		`CREATE TABLE IF NOT EXISTS EVENTS (
			ID ` + d.AutoIncrementPK() + `,
			EVENT_TIME DATETIME NOT NULL,
			SERVER_ID VARCHAR(36),
			LEVEL VARCHAR(12) NOT NULL,
			NAME VARCHAR(255) NOT NULL,
			OUTCOME VARCHAR(12),
			ATTRIBUTES ` + d.LongText() + `
		)`,
	}
}

// Table name helpers. The suffix comes from storage.TableSuffix and is
// already vetted against injection.

func messageTable(suffix string) string          { return "M" + suffix }
func connectorMessageTable(suffix string) string { return "MM" + suffix }
func contentTable(suffix string) string          { return "MC" + suffix }
func attachmentTable(suffix string) string       { return "MA" + suffix }
func customMetaDataTable(suffix string) string   { return "MCM" + suffix }
func statisticsTable(suffix string) string       { return "MS" + suffix }
func sequenceTable(suffix string) string         { return "MSQ" + suffix }

// channelTables lists a channel's tables in dependency order, children first,
// for dropping.
func channelTables(suffix string) []string {
	return []string{
		contentTable(suffix),
		attachmentTable(suffix),
		customMetaDataTable(suffix),
		connectorMessageTable(suffix),
		statisticsTable(suffix),
		sequenceTable(suffix),
		messageTable(suffix),
	}
}

// channelSchema returns the DDL for one channel's table set, including the
// custom metadata columns configured on the channel. Statements must run in
// order: parents before children, tables before indexes and seed rows.
func channelSchema(d Dialect, suffix string, columns []types.MetaDataColumn) []string {
	m := messageTable(suffix)
	mm := connectorMessageTable(suffix)
	mc := contentTable(suffix)
	ma := attachmentTable(suffix)
	mcm := customMetaDataTable(suffix)
	ms := statisticsTable(suffix)
	msq := sequenceTable(suffix)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID BIGINT NOT NULL PRIMARY KEY,
			SERVER_ID VARCHAR(36),
			RECEIVED_DATE DATETIME NOT NULL,
			PROCESSED BOOLEAN NOT NULL DEFAULT FALSE,
			ORIGINAL_ID BIGINT,
			IMPORT_ID BIGINT,
			IMPORT_CHANNEL_ID VARCHAR(36)
		)`, m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID INTEGER NOT NULL,
			MESSAGE_ID BIGINT NOT NULL,
			SERVER_ID VARCHAR(36),
			RECEIVED_DATE DATETIME NOT NULL,
			STATUS CHAR(1) NOT NULL,
			CONNECTOR_NAME VARCHAR(255),
			SEND_ATTEMPTS INTEGER NOT NULL DEFAULT 0,
			SEND_DATE DATETIME,
			RESPONSE_DATE DATETIME,
			ERROR_CODE INTEGER NOT NULL DEFAULT 0,
			CHAIN_ID INTEGER NOT NULL DEFAULT 0,
			ORDER_ID INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (MESSAGE_ID, ID),
			CONSTRAINT %s_FK FOREIGN KEY (MESSAGE_ID) REFERENCES %s (ID) ON DELETE CASCADE
		)`, mm, mm, m),
		fmt.Sprintf(`CREATE INDEX %s_IDX1 ON %s (ID, STATUS, MESSAGE_ID)`, mm, mm),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			MESSAGE_ID BIGINT NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			CONTENT_TYPE INTEGER NOT NULL,
			CONTENT %s,
			DATA_TYPE VARCHAR(255),
			IS_ENCRYPTED BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID, CONTENT_TYPE),
			CONSTRAINT %s_FK FOREIGN KEY (MESSAGE_ID) REFERENCES %s (ID) ON DELETE CASCADE
		)`, mc, d.LongText(), mc, m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID VARCHAR(255) NOT NULL,
			MESSAGE_ID BIGINT NOT NULL,
			TYPE VARCHAR(255),
			SEGMENT_ID INTEGER NOT NULL,
			ATTACHMENT_SIZE INTEGER NOT NULL,
			CONTENT %s,
			PRIMARY KEY (ID, SEGMENT_ID),
			CONSTRAINT %s_FK FOREIGN KEY (MESSAGE_ID) REFERENCES %s (ID) ON DELETE CASCADE
		)`, ma, d.Blob(), ma, m),
		fmt.Sprintf(`CREATE INDEX %s_IDX1 ON %s (MESSAGE_ID)`, ma, ma),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			MESSAGE_ID BIGINT NOT NULL,
			METADATA_ID INTEGER NOT NULL%s,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID),
			CONSTRAINT %s_FK FOREIGN KEY (MESSAGE_ID) REFERENCES %s (ID) ON DELETE CASCADE
		)`, mcm, customColumnDDL(columns), mcm, m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			METADATA_ID INTEGER NOT NULL PRIMARY KEY,
			RECEIVED BIGINT NOT NULL DEFAULT 0,
			FILTERED BIGINT NOT NULL DEFAULT 0,
			TRANSFORMED BIGINT NOT NULL DEFAULT 0,
			PENDING BIGINT NOT NULL DEFAULT 0,
			SENT BIGINT NOT NULL DEFAULT 0,
			ERROR BIGINT NOT NULL DEFAULT 0,
			QUEUED BIGINT NOT NULL DEFAULT 0
		)`, ms),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			SEQ_KEY INTEGER NOT NULL PRIMARY KEY,
			NEXT_ID BIGINT NOT NULL DEFAULT 0
		)`, msq),
		fmt.Sprintf(`%s %s (SEQ_KEY, NEXT_ID) VALUES (1, 0)`, d.InsertIgnore(), msq),
	}
	return stmts
}

// customColumnDDL renders the custom metadata columns as DDL fragments,
// prefixed with a comma so it can splice into the MCM table definition.
func customColumnDDL(columns []types.MetaDataColumn) string {
	var b strings.Builder
	for _, col := range columns {
		b.WriteString(",\n\t\t\t")
		b.WriteString(quoteIdent(col.Name))
		b.WriteByte(' ')
		b.WriteString(metaDataColumnType(col.Type))
	}
	return b.String()
}

// metaDataColumnType maps a metadata column type to portable SQL
func metaDataColumnType(t types.MetaDataColumnType) string {
	switch t {
	case types.MetaDataNumber:
		return "DOUBLE PRECISION"
	case types.MetaDataBoolean:
		return "BOOLEAN"
	case types.MetaDataTimestamp:
		return "DATETIME"
	default:
		return "VARCHAR(255)"
	}
}

// quoteIdent strips everything but [A-Za-z0-9_] from a user-supplied
// identifier. Custom metadata column names come from channel configuration,
// not from message traffic, but they still never reach the DDL raw.
func quoteIdent(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
