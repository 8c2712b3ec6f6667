package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmon/internal/history/opensearch"
	"github.com/loykin/procmon/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
		want        any
	}{
		{"Empty DSN", "", true, nil},
		{"Invalid scheme", "invalid://test", true, nil},
		{"OpenSearch DSN", "opensearch://localhost:9200/procmon", false, &opensearch.Sink{}},
		{"OpenSearch without host", "opensearch:///idx", true, nil},
		{"SQLite file DSN", "sqlite://" + filepath.Join(dir, "a.db"), false, &sqlite.Sink{}},
		{"SQLite memory DSN", "sqlite://:memory:", false, &sqlite.Sink{}},
		{"Bare path", filepath.Join(dir, "b.db"), false, &sqlite.Sink{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, sink)
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	cfg, err := parseClickHouseDSN("clickhouse://bob:secret@ch:9440/metrics?table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch:9440", cfg.Addr)
	assert.Equal(t, "metrics", cfg.Database)
	assert.Equal(t, "events", cfg.Table)
	assert.Equal(t, "bob", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)

	cfg, err = parseClickHouseDSN("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Addr)
	assert.Empty(t, cfg.Table)
}

func TestParseOpenSearchDSN(t *testing.T) {
	base, index, err := parseOpenSearchDSN("opensearchs://search.local:9200/logs")
	require.NoError(t, err)
	assert.Equal(t, "https://search.local:9200", base)
	assert.Equal(t, "logs", index)

	base, index, err = parseOpenSearchDSN("elasticsearch://localhost:9200")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9200", base)
	assert.Equal(t, "procmon-events", index)
}
