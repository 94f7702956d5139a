package sqlstore

import "fmt"

// Dialect abstracts the SQL differences between the supported backends.
// SQLite gets its own implementation; MySQL and Dolt share one, since Dolt
// speaks the MySQL dialect.
type Dialect interface {
	Name() string

	// DDL fragments
	AutoIncrementPK() string // auto-increment BIGINT primary key clause
	LongText() string
	Blob() string

	// BeginSQL is the statement used to open a write transaction on a
	// dedicated connection.
	BeginSQL() string

	// InsertIgnore returns the INSERT prefix that skips duplicate-key rows.
	InsertIgnore() string

	// UpsertConfigSQL upserts one CONFIGURATION row (category, name, value).
	UpsertConfigSQL() string

	// UpsertContentSQL upserts one row of a message content table.
	UpsertContentSQL(table string) string

	// UpsertChannelSQL upserts one CHANNELS registry row.
	UpsertChannelSQL() string

	// TableExistsSQL is a one-parameter query returning a row iff the named
	// table exists in the current schema.
	TableExistsSQL() string

	// VacuumSQL reclaims space after bulk deletes. Empty means no-op.
	VacuumSQL() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string            { return "sqlite" }
func (sqliteDialect) AutoIncrementPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) LongText() string        { return "TEXT" }
func (sqliteDialect) Blob() string            { return "BLOB" }
func (sqliteDialect) BeginSQL() string        { return "BEGIN IMMEDIATE" }
func (sqliteDialect) InsertIgnore() string    { return "INSERT OR IGNORE INTO" }
func (sqliteDialect) VacuumSQL() string       { return "VACUUM" }

func (sqliteDialect) UpsertConfigSQL() string {
	return `INSERT INTO CONFIGURATION (CATEGORY, NAME, VALUE) VALUES (?, ?, ?)
		ON CONFLICT(CATEGORY, NAME) DO UPDATE SET VALUE = excluded.VALUE`
}

func (sqliteDialect) UpsertContentSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (MESSAGE_ID, METADATA_ID, CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(MESSAGE_ID, METADATA_ID, CONTENT_TYPE) DO UPDATE SET
		CONTENT = excluded.CONTENT, DATA_TYPE = excluded.DATA_TYPE, IS_ENCRYPTED = excluded.IS_ENCRYPTED`, table)
}

func (sqliteDialect) UpsertChannelSQL() string {
	return `INSERT INTO CHANNELS (CHANNEL_ID, NAME, REVISION, CHANNEL) VALUES (?, ?, ?, ?)
		ON CONFLICT(CHANNEL_ID) DO UPDATE SET
		NAME = excluded.NAME, REVISION = excluded.REVISION, CHANNEL = excluded.CHANNEL`
}

func (sqliteDialect) TableExistsSQL() string {
	return `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string            { return "mysql" }
func (mysqlDialect) AutoIncrementPK() string { return "BIGINT PRIMARY KEY AUTO_INCREMENT" }
func (mysqlDialect) LongText() string        { return "LONGTEXT" }
func (mysqlDialect) Blob() string            { return "LONGBLOB" }
func (mysqlDialect) BeginSQL() string        { return "BEGIN" }
func (mysqlDialect) InsertIgnore() string    { return "INSERT IGNORE INTO" }
func (mysqlDialect) VacuumSQL() string       { return "" }

func (mysqlDialect) UpsertConfigSQL() string {
	return `INSERT INTO CONFIGURATION (CATEGORY, NAME, VALUE) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE VALUE = VALUES(VALUE)`
}

func (mysqlDialect) UpsertContentSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (MESSAGE_ID, METADATA_ID, CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		CONTENT = VALUES(CONTENT), DATA_TYPE = VALUES(DATA_TYPE), IS_ENCRYPTED = VALUES(IS_ENCRYPTED)`, table)
}

func (mysqlDialect) UpsertChannelSQL() string {
	return `INSERT INTO CHANNELS (CHANNEL_ID, NAME, REVISION, CHANNEL) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		NAME = VALUES(NAME), REVISION = VALUES(REVISION), CHANNEL = VALUES(CHANNEL)`
}

func (mysqlDialect) TableExistsSQL() string {
	return `SELECT 1 FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`
}
