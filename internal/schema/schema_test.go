package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSQL = `
USE ` + "`nuwa`" + `;

CREATE TABLE ` + "`agent_config`" + ` (
  ` + "`id`" + ` BIGINT NOT NULL AUTO_INCREMENT,
  ` + "`name`" + ` VARCHAR(255) NOT NULL,
  ` + "`project_type`" + ` ENUM('ONLINE_DEPLOY', 'REVERSE_PROXY') NOT NULL DEFAULT 'ONLINE_DEPLOY',
  ` + "`created`" + ` DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (` + "`id`" + `),
  UNIQUE KEY ` + "`uniq_name`" + ` (` + "`name`" + `)
);

CREATE TABLE ` + "`model_config`" + ` (
  ` + "`id`" + ` BIGINT NOT NULL AUTO_INCREMENT,
  ` + "`enabled`" + ` TINYINT COMMENT '启用状态',
  PRIMARY KEY (` + "`id`" + `)
);
`

func TestParseSchemaExtractsColumnsAndIndexes(t *testing.T) {
	tables, err := ParseSchema(sampleSQL)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	agent := tables[0]
	assert.Equal(t, "agent_config", agent.Name)
	require.Len(t, agent.Columns, 4)

	id, ok := agent.column("id")
	require.True(t, ok)
	assert.Equal(t, "BIGINT", id.DataType)
	assert.False(t, id.Nullable)
	assert.True(t, id.AutoIncrement)

	projectType, ok := agent.column("project_type")
	require.True(t, ok)
	assert.Equal(t, "ENUM('ONLINE_DEPLOY', 'REVERSE_PROXY')", projectType.DataType)
	require.NotNil(t, projectType.Default)
	assert.Equal(t, "'ONLINE_DEPLOY'", *projectType.Default)

	created, ok := agent.column("created")
	require.True(t, ok)
	require.NotNil(t, created.Default)
	assert.Equal(t, "CURRENT_TIMESTAMP", *created.Default, "date/time defaults are not quoted")

	_, hasPrimary := agent.index("PRIMARY")
	assert.True(t, hasPrimary)
	uniq, hasUnique := agent.index("uniq_name")
	assert.True(t, hasUnique)
	assert.Equal(t, IndexUnique, uniq.Kind)
	assert.Equal(t, []string{"name"}, uniq.Columns)

	model := tables[1]
	enabled, ok := model.column("enabled")
	require.True(t, ok)
	assert.Equal(t, "启用状态", enabled.Comment)
	assert.True(t, enabled.Nullable, "no NOT NULL means nullable")
}

func TestParseSchemaIgnoresContentBeforeUseStatement(t *testing.T) {
	sql := "-- dump header\nSET NAMES utf8mb4;\n" + sampleSQL
	tables, err := ParseSchema(sql)
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestParseSchemaWithoutUseStatementParsesWholeInput(t *testing.T) {
	sql := "CREATE TABLE `solo` (\n  `id` INT NOT NULL,\n  PRIMARY KEY (`id`)\n);\n"
	tables, err := ParseSchema(sql)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "solo", tables[0].Name)
}

func TestSplitTopLevelHonorsNestedParensAndQuotes(t *testing.T) {
	body := "`a` INT, `b` DECIMAL(10,2), `c` ENUM('x,y','z')"
	fields := splitTopLevel(body)
	require.Len(t, fields, 3)
	assert.Contains(t, fields[1], "DECIMAL(10,2)")
	assert.Contains(t, fields[2], "ENUM('x,y','z')")
}
