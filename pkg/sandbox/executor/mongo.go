package executor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
	"github.com/queryforge/queryforge/pkg/sandbox/executor/mongoparse"
)

// Mongo runs shell-style queries (db.collection.operation(...)) against
// a MongoDB server. Results are rendered as JSON documents in a single
// "result" column.
type Mongo struct {
	opts   Options
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo builds an unconnected adapter.
func NewMongo(opts Options) *Mongo {
	return &Mongo{opts: opts}
}

// Connect establishes the connection and verifies it with a ping.
func (e *Mongo) Connect(ctx context.Context) error {
	uri := fmt.Sprintf("mongodb://%s:%d", e.opts.Host, e.opts.Port)
	clientOpts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return errors.NewConnectionFailedError("failed to connect to MongoDB", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return errors.NewConnectionFailedError("failed to connect to MongoDB", err)
	}
	e.client = client
	e.db = client.Database(e.opts.Database)
	return nil
}

// Disconnect closes the client.
func (e *Mongo) Disconnect() {
	if e.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.client.Disconnect(ctx)
		cancel()
		e.client = nil
		e.db = nil
	}
}

// IsConnected reports whether the server answers a ping.
func (e *Mongo) IsConnected(ctx context.Context) bool {
	if e.client == nil {
		return false
	}
	return e.client.Ping(ctx, nil) == nil
}

// Execute parses and runs one shell statement under the given timeout.
func (e *Mongo) Execute(ctx context.Context, query string, timeout time.Duration) (*sandbox.QueryResult, error) {
	if e.db == nil {
		return nil, errNotConnected()
	}

	stmt, err := mongoparse.Parse(query)
	if err != nil {
		return nil, errors.NewQuerySyntaxError(err.Error(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	docs, opErr := e.runOperation(ctx, stmt, timeout)
	elapsed := time.Since(start)

	if opErr != nil {
		switch {
		case mongo.IsTimeout(opErr) || stderrors.Is(opErr, context.DeadlineExceeded):
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), opErr)
		case errors.IsQuerySyntax(opErr):
			return nil, opErr
		default:
			return sandbox.Failure("%s", opErr.Error()), nil
		}
	}

	truncated := false
	if len(docs) > sandbox.MaxResultRows {
		docs = docs[:sandbox.MaxResultRows]
		truncated = true
	}
	rows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		encoded, err := json.Marshal(doc)
		if err != nil {
			return sandbox.Failure("failed to encode result: %v", err), nil
		}
		rows = append(rows, []any{string(encoded)})
	}
	return &sandbox.QueryResult{
		Success:         true,
		Columns:         []string{"result"},
		Rows:            rows,
		RowCount:        len(rows),
		ExecutionTimeMs: elapsed.Milliseconds(),
		Truncated:       truncated,
	}, nil
}

// runOperation dispatches a parsed statement to the driver. List
// results come back one document per element, everything else as a
// single document.
func (e *Mongo) runOperation(ctx context.Context, stmt *mongoparse.Statement, timeout time.Duration) ([]any, error) {
	coll := e.db.Collection(stmt.Collection)
	args := stmt.Args

	switch stmt.Operation {
	case "find":
		findOpts := options.Find().SetMaxTime(timeout)
		if doc, ok := argDoc(args, 1); ok {
			findOpts.SetProjection(doc)
		}
		cursor, err := coll.Find(ctx, argFilter(args, 0), findOpts)
		if err != nil {
			return nil, err
		}
		return drainCursor(ctx, cursor)

	case "findOne":
		findOpts := options.FindOne().SetMaxTime(timeout)
		if doc, ok := argDoc(args, 1); ok {
			findOpts.SetProjection(doc)
		}
		var doc bson.M
		err := coll.FindOne(ctx, argFilter(args, 0), findOpts).Decode(&doc)
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return []any{bson.M{}}, nil
		}
		if err != nil {
			return nil, err
		}
		return []any{doc}, nil

	case "insertOne":
		if len(args) < 1 {
			return nil, errors.NewQuerySyntaxError("insertOne requires a document argument", nil)
		}
		res, err := coll.InsertOne(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []any{bson.M{"insertedId": formatID(res.InsertedID)}}, nil

	case "insertMany":
		docs, ok := argList(args, 0)
		if !ok {
			return nil, errors.NewQuerySyntaxError("insertMany requires an array of documents", nil)
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(res.InsertedIDs))
		for _, id := range res.InsertedIDs {
			ids = append(ids, formatID(id))
		}
		return []any{bson.M{"insertedIds": ids}}, nil

	case "updateOne", "updateMany":
		if len(args) < 2 {
			return nil, errors.NewQuerySyntaxError(stmt.Operation+" requires filter and update arguments", nil)
		}
		var res *mongo.UpdateResult
		var err error
		if stmt.Operation == "updateOne" {
			res, err = coll.UpdateOne(ctx, args[0], args[1])
		} else {
			res, err = coll.UpdateMany(ctx, args[0], args[1])
		}
		if err != nil {
			return nil, err
		}
		return []any{bson.M{
			"matchedCount":  res.MatchedCount,
			"modifiedCount": res.ModifiedCount,
		}}, nil

	case "deleteOne", "deleteMany":
		var res *mongo.DeleteResult
		var err error
		if stmt.Operation == "deleteOne" {
			res, err = coll.DeleteOne(ctx, argFilter(args, 0))
		} else {
			res, err = coll.DeleteMany(ctx, argFilter(args, 0))
		}
		if err != nil {
			return nil, err
		}
		return []any{bson.M{"deletedCount": res.DeletedCount}}, nil

	case "aggregate":
		pipeline, ok := argList(args, 0)
		if !ok {
			return nil, errors.NewQuerySyntaxError("aggregate requires a pipeline array", nil)
		}
		cursor, err := coll.Aggregate(ctx, pipeline, options.Aggregate().SetMaxTime(timeout))
		if err != nil {
			return nil, err
		}
		return drainCursor(ctx, cursor)

	case "countDocuments":
		n, err := coll.CountDocuments(ctx, argFilter(args, 0), options.Count().SetMaxTime(timeout))
		if err != nil {
			return nil, err
		}
		return []any{bson.M{"count": n}}, nil

	case "distinct":
		if len(args) < 1 {
			return nil, errors.NewQuerySyntaxError("distinct requires a field name argument", nil)
		}
		field, ok := args[0].(string)
		if !ok {
			return nil, errors.NewQuerySyntaxError("distinct field name must be a string", nil)
		}
		values, err := coll.Distinct(ctx, field, argFilter(args, 1), options.Distinct().SetMaxTime(timeout))
		if err != nil {
			return nil, err
		}
		return values, nil

	default:
		return nil, errors.NewQuerySyntaxError(fmt.Sprintf("unsupported operation: %s", stmt.Operation), nil)
	}
}

// argFilter returns the argument at idx as a filter document, or an
// empty filter when absent.
func argFilter(args []any, idx int) any {
	if doc, ok := argDoc(args, idx); ok {
		return doc
	}
	return bson.D{}
}

func argDoc(args []any, idx int) (map[string]any, bool) {
	if idx >= len(args) {
		return nil, false
	}
	doc, ok := args[idx].(map[string]any)
	return doc, ok
}

func argList(args []any, idx int) ([]any, bool) {
	if idx >= len(args) {
		return nil, false
	}
	list, ok := args[idx].([]any)
	return list, ok
}

func formatID(id any) string {
	if s, ok := id.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", id)
}

func drainCursor(ctx context.Context, cursor *mongo.Cursor) ([]any, error) {
	defer cursor.Close(ctx)

	var docs []any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		if len(docs) > sandbox.MaxResultRows {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// InitSchema runs setup statements split on ";"; // comment lines are
// skipped and continuation lines are joined first, so a multi-line
// insertMany([...]) stays one statement.
func (e *Mongo) InitSchema(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Schema initialization failed")
}

// LoadSeed runs seed statements the same way InitSchema does.
func (e *Mongo) LoadSeed(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Data loading failed")
}

func (e *Mongo) runScript(ctx context.Context, text, failPrefix string) *sandbox.QueryResult {
	if strings.TrimSpace(text) == "" {
		return sandbox.OK()
	}
	if e.db == nil {
		return sandbox.Failure("%s: not connected to database", failPrefix)
	}

	lines := make([]string, 0, 8)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		lines = append(lines, line)
	}

	for _, stmt := range SplitStatements(strings.Join(lines, " ")) {
		result, err := e.Execute(ctx, stmt, 30*time.Second)
		if err != nil {
			return sandbox.Failure("%s: %v", failPrefix, err)
		}
		if !result.Success {
			return sandbox.Failure("%s: %s", failPrefix, result.ErrorMessage)
		}
	}
	return sandbox.OK()
}

// DropDatabase removes the session database entirely.
func (e *Mongo) DropDatabase(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	return e.db.Drop(ctx)
}

// Reset drops every collection in the session database. Errors are
// ignored.
func (e *Mongo) Reset(ctx context.Context) {
	if e.db == nil {
		return
	}
	names, err := e.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return
	}
	for _, name := range names {
		_ = e.db.Collection(name).Drop(ctx)
	}
}
