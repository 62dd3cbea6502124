package allowlist

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS allowlist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL DEFAULT 'default',
			pattern TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			last_used_command TEXT,
			UNIQUE(agent_id, pattern)
		)`

	indexAgent = `
		CREATE INDEX IF NOT EXISTS idx_allowlist_agent ON allowlist(agent_id)`

	queryInsertPattern = `
		INSERT INTO allowlist (agent_id, pattern, last_used_command)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, pattern) DO UPDATE SET
			last_used_at = CURRENT_TIMESTAMP,
			last_used_command = excluded.last_used_command`

	querySelectPatterns = `
		SELECT pattern FROM allowlist
		WHERE agent_id IN ('*', ?)
		ORDER BY id`

	queryRecordUse = `
		UPDATE allowlist SET
			last_used_at = CURRENT_TIMESTAMP,
			last_used_command = ?
		WHERE agent_id = ? AND pattern = ?`
)

func schemaStatements() []string {
	return []string{
		tableSchema,
		indexAgent,
	}
}
