package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const createScrapeRunTable = `
CREATE TABLE IF NOT EXISTS scrape_run (
    id TEXT NOT NULL PRIMARY KEY,
    tool_version TEXT NOT NULL,
    started_at TEXT NOT NULL
)
`

// RecordRun stamps the database with a fresh run identifier so downstream
// analyses can tell which extraction produced the rows. Returns the run id.
func (m *Manager) RecordRun(toolVersion string) (string, error) {
	if err := m.Execute(createScrapeRunTable); err != nil {
		return "", fmt.Errorf("failed to create scrape_run table: %w", err)
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	err := m.Execute(
		"INSERT INTO scrape_run (id, tool_version, started_at) VALUES (?, ?, ?)",
		id, toolVersion, now)
	if err != nil {
		return "", fmt.Errorf("failed to record scrape run: %w", err)
	}
	return id, nil
}
