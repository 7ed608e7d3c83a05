package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "single statement",
			script: "SELECT 1",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "two statements",
			script: "CREATE TABLE t (id INT); INSERT INTO t VALUES (1);",
			want:   []string{"CREATE TABLE t (id INT)", "INSERT INTO t VALUES (1)"},
		},
		{
			name:   "semicolon inside single quotes",
			script: "INSERT INTO t VALUES ('a;b'); SELECT 1",
			want:   []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name:   "semicolon inside double quotes",
			script: `SELECT ";" FROM t; SELECT 2`,
			want:   []string{`SELECT ";" FROM t`, "SELECT 2"},
		},
		{
			name:   "empty statements dropped",
			script: ";;  ;SELECT 1;;",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "empty script",
			script: "   ",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SplitStatements(tt.script))
		})
	}
}

func TestReturnsRows(t *testing.T) {
	t.Parallel()

	assert.True(t, returnsRows("SELECT * FROM t"))
	assert.True(t, returnsRows("  with x as (select 1) select * from x"))
	assert.True(t, returnsRows("PRAGMA table_info(t)"))
	assert.True(t, returnsRows("SHOW TABLES"))
	assert.True(t, returnsRows("INSERT INTO t VALUES (1) RETURNING id"))
	assert.False(t, returnsRows("INSERT INTO t VALUES (1)"))
	assert.False(t, returnsRows("UPDATE t SET x = 1"))
	assert.False(t, returnsRows("CREATE TABLE t (id INT)"))
}
