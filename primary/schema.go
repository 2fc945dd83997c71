package primary

const (
	tableDocuments = "sb_documents"
	tableChanges   = "sb_changes"
	tableEventLog  = "sb_event_log"
	tableCursors   = "sb_sync_cursors"
)

func sqliteSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sb_documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			origin INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sb_changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			change_type INTEGER NOT NULL,
			data BLOB,
			origin INTEGER NOT NULL,
			committed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sb_changes_collection_seq ON sb_changes (collection, seq)`,
		`CREATE TABLE IF NOT EXISTS sb_event_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			data BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sb_event_log_subject ON sb_event_log (subject_id, seq)`,
		`CREATE TABLE IF NOT EXISTS sb_sync_cursors (
			name TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
}

func mysqlSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sb_documents (
			collection VARCHAR(191) NOT NULL,
			id VARCHAR(191) NOT NULL,
			data LONGBLOB NOT NULL,
			origin TINYINT UNSIGNED NOT NULL,
			updated_at BIGINT UNSIGNED NOT NULL,
			seq BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sb_changes (
			seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			collection VARCHAR(191) NOT NULL,
			id VARCHAR(191) NOT NULL,
			change_type TINYINT UNSIGNED NOT NULL,
			data LONGBLOB,
			origin TINYINT UNSIGNED NOT NULL,
			committed_at BIGINT UNSIGNED NOT NULL,
			INDEX sb_changes_collection_seq (collection, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS sb_event_log (
			seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			kind VARCHAR(191) NOT NULL,
			subject_id VARCHAR(191) NOT NULL,
			data LONGBLOB,
			created_at BIGINT NOT NULL,
			INDEX sb_event_log_subject (subject_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS sb_sync_cursors (
			name VARCHAR(191) NOT NULL PRIMARY KEY,
			seq BIGINT UNSIGNED NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
}
