package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collection.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesSchemaAndSettings(t *testing.T) {
	path := writeConfig(t, `
apiVersion: sf1r/v1
kind: Collection
name: products
dataDir: /var/sf1r/products
liveDir: /var/sf1r/products/scd
currentDir: /var/sf1r/products/d0
nextDir: /var/sf1r/products/d1
sourceField: SOURCE
schema:
  properties:
    - name: title
      type: string
      index: true
      analyzed: true
      analyzer: default
    - name: category
      type: string
      index: true
      filter: true
    - name: price
      type: float
      index: true
      filter: true
    - name: DATE
      type: date
recommend:
  enabled: true
  dataDir: /var/sf1r/products/recommend
  cronExpr: "0 * * * *"
logServer:
  enabled: true
  addr: logserver.internal:9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "products", cfg.Name)
	assert.Equal(t, "SOURCE", cfg.SourceField)
	assert.True(t, cfg.Recommend.Enabled)
	assert.Equal(t, "0 * * * *", cfg.Recommend.CronExpr)
	assert.True(t, cfg.LogServer.Enabled)
	assert.Equal(t, "logserver.internal:9090", cfg.LogServer.Addr)

	schema := cfg.ToSchema()
	title := schema.Lookup("title")
	require.NotNil(t, title)
	assert.Equal(t, types.PropertyString, title.Type)
	assert.True(t, title.IsAnalyzed)
	require.NotNil(t, title.Analyzer)
	assert.Equal(t, "default", title.Analyzer.Name)

	price := schema.Lookup("price")
	require.NotNil(t, price)
	assert.Equal(t, types.PropertyFloat, price.Type)
	assert.True(t, price.IsFilter)
	assert.False(t, price.IsAnalyzed)

	assert.Nil(t, schema.Lookup("nonexistent"))
}

func TestLoadRejectsMissingName(t *testing.T) {
	path := writeConfig(t, `
schema:
  properties:
    - name: title
      type: string
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptySchema(t *testing.T) {
	path := writeConfig(t, `
name: products
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownPropertyType(t *testing.T) {
	path := writeConfig(t, `
name: products
schema:
  properties:
    - name: title
      type: blob
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `
kind: Service
name: products
schema:
  properties:
    - name: title
      type: string
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
