package mongoparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicFind(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`db.users.find({"age": {"$gt": 18}})`)
	require.NoError(t, err)
	assert.Equal(t, "users", stmt.Collection)
	assert.Equal(t, "find", stmt.Operation)
	require.Len(t, stmt.Args, 1)
	filter, ok := stmt.Args[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, filter, "age")
}

func TestParseRelaxedSyntax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{"unquoted keys", `db.users.find({age: {$gt: 18}})`},
		{"single quotes", `db.users.insertOne({'name': 'John'})`},
		{"mixed", `db.users.find({name: 'Ada', grade: 99})`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stmt, err := Parse(tt.query)
			require.NoError(t, err)
			require.Len(t, stmt.Args, 1)
			_, ok := stmt.Args[0].(map[string]any)
			assert.True(t, ok)
		})
	}
}

func TestParseStripsScalarWrappers(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`db.events.insertOne({when: new Date('2024-01-01'), user: ObjectId('507f1f77bcf86cd799439011'), count: NumberInt(3), big: NumberLong(9000000000)})`)
	require.NoError(t, err)
	require.Len(t, stmt.Args, 1)
	doc, ok := stmt.Args[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01", doc["when"])
	assert.Equal(t, "507f1f77bcf86cd799439011", doc["user"])
	assert.EqualValues(t, 3, doc["count"])
	assert.EqualValues(t, 9000000000, doc["big"])
}

func TestParseWithoutDBPrefix(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`users.countDocuments({})`)
	require.NoError(t, err)
	assert.Equal(t, "users", stmt.Collection)
	assert.Equal(t, "countDocuments", stmt.Operation)
}

func TestParseEmptyArgs(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`db.users.find()`)
	require.NoError(t, err)
	assert.Empty(t, stmt.Args)
}

func TestParseMultipleArgs(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`db.users.updateOne({name: "Ada"}, {$set: {grade: 100}})`)
	require.NoError(t, err)
	assert.Equal(t, "updateOne", stmt.Operation)
	require.Len(t, stmt.Args, 2)
}

func TestParseAggregatePipeline(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`db.orders.aggregate([{$match: {status: "paid"}}, {$group: {_id: "$user", total: {$sum: "$amount"}}}])`)
	require.NoError(t, err)
	assert.Equal(t, "aggregate", stmt.Operation)
	require.Len(t, stmt.Args, 1)
	pipeline, ok := stmt.Args[0].([]any)
	require.True(t, ok)
	assert.Len(t, pipeline, 2)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{"missing operation", "db.users"},
		{"missing parentheses", "db.users.find"},
		{"unparseable args", `db.users.find({{{)`},
		{"bare collection", "users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.query)
			assert.Error(t, err)
		})
	}
}
