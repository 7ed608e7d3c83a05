package executor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Command categories for key prefixing.
var (
	redisNoKeyCommands = map[string]struct{}{
		"PING": {}, "ECHO": {}, "INFO": {}, "DBSIZE": {}, "TIME": {},
		"CONFIG": {}, "CLIENT": {}, "COMMAND": {}, "MULTI": {},
		"EXEC": {}, "DISCARD": {}, "SELECT": {}, "QUIT": {},
		"AUTH": {}, "RANDOMKEY": {}, "WAIT": {},
		"FLUSHDB": {}, "FLUSHALL": {},
	}
	redisAllKeysCommands = map[string]struct{}{
		"DEL": {}, "EXISTS": {}, "UNLINK": {}, "MGET": {}, "PFCOUNT": {},
		"SDIFF": {}, "SINTER": {}, "SUNION": {}, "WATCH": {},
	}
	redisKVPairCommands = map[string]struct{}{
		"MSET": {}, "MSETNX": {},
	}
	redisTwoKeyCommands = map[string]struct{}{
		"RENAME": {}, "RENAMENX": {}, "RPOPLPUSH": {}, "LMOVE": {},
		"SMOVE": {}, "SDIFFSTORE": {}, "SINTERSTORE": {}, "SUNIONSTORE": {},
	}
)

// Redis runs commands against a redis server. When KeyPrefix is set,
// every key argument is transparently prefixed so many sessions can
// share DB 0 without collision; the prefix is stripped again from KEYS
// output so users see clean names.
type Redis struct {
	opts      Options
	keyPrefix string
	client    *redis.Client
}

// NewRedis builds an unconnected adapter.
func NewRedis(opts Options) *Redis {
	return &Redis{opts: opts, keyPrefix: opts.KeyPrefix}
}

// Connect establishes the connection and verifies it with a ping.
func (e *Redis) Connect(ctx context.Context) error {
	// Prefixed sessions all share DB 0.
	db := 0
	if e.keyPrefix == "" {
		if n, err := strconv.Atoi(e.opts.Database); err == nil {
			db = n
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port),
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errors.NewConnectionFailedError("failed to connect to Redis", err)
	}
	e.client = client
	return nil
}

// Disconnect closes the client.
func (e *Redis) Disconnect() {
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
}

// IsConnected reports whether the server answers a ping.
func (e *Redis) IsConnected(ctx context.Context) bool {
	if e.client == nil {
		return false
	}
	return e.client.Ping(ctx).Err() == nil
}

// Execute runs one command under the given timeout.
func (e *Redis) Execute(ctx context.Context, query string, timeout time.Duration) (*sandbox.QueryResult, error) {
	if e.client == nil {
		return nil, errNotConnected()
	}

	parts := tokenizeCommand(query)
	if len(parts) == 0 {
		return nil, errors.NewQuerySyntaxError("empty command", nil)
	}
	command := strings.ToUpper(parts[0])
	args := e.prefixArgs(command, parts[1:])

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doArgs := make([]any, 0, len(args)+1)
	doArgs = append(doArgs, command)
	for _, a := range args {
		doArgs = append(doArgs, a)
	}

	start := time.Now()
	result, err := e.client.Do(ctx, doArgs...).Result()
	elapsed := time.Since(start)

	if err != nil && !stderrors.Is(err, redis.Nil) {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), err)
		}
		return sandbox.Failure("%s", err.Error()), nil
	}
	if stderrors.Is(err, redis.Nil) {
		result = nil
	}

	if e.keyPrefix != "" && command == "KEYS" {
		result = e.stripPrefixFromKeys(result)
	}

	return formatRedisResult(result, elapsed), nil
}

// tokenizeCommand splits a command line shell-style, honoring single
// and double quotes. Unbalanced quotes fall back to a whitespace split.
func tokenizeCommand(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	var parts []string
	var current strings.Builder
	inToken := false
	var quote byte

	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				current.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inToken = true
		case ch == ' ' || ch == '\t':
			if inToken {
				parts = append(parts, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteByte(ch)
			inToken = true
		}
	}
	if quote != 0 {
		return strings.Fields(query)
	}
	if inToken {
		parts = append(parts, current.String())
	}
	return parts
}

func (e *Redis) prefixKey(key string) string {
	if e.keyPrefix == "" {
		return key
	}
	return e.keyPrefix + ":" + key
}

// prefixArgs rewrites key arguments based on the command's key shape.
func (e *Redis) prefixArgs(command string, args []string) []string {
	if e.keyPrefix == "" || len(args) == 0 {
		return args
	}

	if _, ok := redisNoKeyCommands[command]; ok {
		return args
	}

	out := make([]string, len(args))
	copy(out, args)

	if command == "KEYS" {
		// Prefix the glob pattern.
		out[0] = e.prefixKey(out[0])
		return out
	}
	if _, ok := redisAllKeysCommands[command]; ok {
		for i := range out {
			out[i] = e.prefixKey(out[i])
		}
		return out
	}
	if _, ok := redisKVPairCommands[command]; ok {
		// Even indices are keys: MSET k1 v1 k2 v2.
		for i := 0; i < len(out); i += 2 {
			out[i] = e.prefixKey(out[i])
		}
		return out
	}
	if _, ok := redisTwoKeyCommands[command]; ok {
		out[0] = e.prefixKey(out[0])
		if len(out) >= 2 {
			out[1] = e.prefixKey(out[1])
		}
		return out
	}

	// Default: first argument is the key.
	out[0] = e.prefixKey(out[0])
	return out
}

// stripPrefixFromKeys removes the session prefix from KEYS output.
func (e *Redis) stripPrefixFromKeys(result any) any {
	list, ok := result.([]any)
	if !ok {
		return result
	}
	prefix := e.keyPrefix + ":"
	out := make([]any, len(list))
	for i, item := range list {
		if s, ok := item.(string); ok {
			out[i] = strings.TrimPrefix(s, prefix)
		} else {
			out[i] = item
		}
	}
	return out
}

// formatRedisResult renders a reply into the shared tabular shape:
// scalars in a single "result" column, maps as key/value pairs, lists
// one element per row.
func formatRedisResult(result any, elapsed time.Duration) *sandbox.QueryResult {
	ms := elapsed.Milliseconds()
	single := func(v string) *sandbox.QueryResult {
		return &sandbox.QueryResult{
			Success:         true,
			Columns:         []string{"result"},
			Rows:            [][]any{{v}},
			RowCount:        1,
			ExecutionTimeMs: ms,
		}
	}

	switch v := result.(type) {
	case nil:
		return single("(nil)")
	case bool:
		if v {
			return single("OK")
		}
		return single("(error)")
	case string:
		return single(v)
	case int64:
		return single(strconv.FormatInt(v, 10))
	case float64:
		return single(strconv.FormatFloat(v, 'g', -1, 64))
	case []byte:
		return single(string(v))
	case []any:
		rows := make([][]any, 0, len(v))
		for _, item := range v {
			rows = append(rows, []any{redisScalar(item)})
		}
		if len(rows) == 0 {
			rows = [][]any{{"(empty list)"}}
		}
		return &sandbox.QueryResult{
			Success:         true,
			Columns:         []string{"result"},
			Rows:            rows,
			RowCount:        len(rows),
			ExecutionTimeMs: ms,
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]any, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []any{k, redisScalar(v[k])})
		}
		if len(rows) == 0 {
			rows = [][]any{{"(empty hash)", ""}}
		}
		return &sandbox.QueryResult{
			Success:         true,
			Columns:         []string{"key", "value"},
			Rows:            rows,
			RowCount:        len(rows),
			ExecutionTimeMs: ms,
		}
	case map[any]any:
		converted := make(map[string]any, len(v))
		for k, val := range v {
			converted[fmt.Sprintf("%v", k)] = val
		}
		return formatRedisResult(converted, elapsed)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return single(fmt.Sprintf("%v", v))
		}
		return single(string(encoded))
	}
}

// redisScalar renders one reply element.
func redisScalar(item any) any {
	switch v := item.(type) {
	case nil:
		return "(nil)"
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []byte:
		return string(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// InitSchema runs setup commands line by line; # comments are skipped.
func (e *Redis) InitSchema(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Schema initialization failed")
}

// LoadSeed runs seed commands line by line.
func (e *Redis) LoadSeed(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Data loading failed")
}

func (e *Redis) runScript(ctx context.Context, text, failPrefix string) *sandbox.QueryResult {
	if strings.TrimSpace(text) == "" {
		return sandbox.OK()
	}
	if e.client == nil {
		return sandbox.Failure("%s: not connected to database", failPrefix)
	}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		result, err := e.Execute(ctx, line, 30*time.Second)
		if err != nil {
			return sandbox.Failure("%s: %v", failPrefix, err)
		}
		if !result.Success {
			return sandbox.Failure("%s: %s", failPrefix, result.ErrorMessage)
		}
	}
	return sandbox.OK()
}

// Reset deletes this session's keys via SCAN when prefixed, or flushes
// the whole DB otherwise. Errors are ignored.
func (e *Redis) Reset(ctx context.Context) {
	if e.client == nil {
		return
	}

	if e.keyPrefix == "" {
		_ = e.client.FlushDB(ctx).Err()
		return
	}

	pattern := e.keyPrefix + ":*"
	var cursor uint64
	for {
		keys, next, err := e.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			_ = e.client.Del(ctx, keys...).Err()
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
