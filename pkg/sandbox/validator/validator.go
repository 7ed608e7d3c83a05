// Package validator blocks dangerous queries before they reach a backend.
//
// It is defense in depth: the backends are also configured with
// restricted roles, so the pattern tables only need to stop the obvious
// attempts before they burn a real connection. The validator never
// executes anything and never opens connections.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Friendly rejection messages, keyed by category.
const (
	MsgFileRead     = "Nice try! Reading server files is not allowed in the sandbox."
	MsgFileWrite    = "Nope! Writing files to the server is off limits here."
	MsgSystemCmd    = "Good attempt, but executing system commands is blocked."
	MsgPrivilege    = "Access denied! You can only work with your sandbox data."
	MsgServerConfig = "Sorry, server configuration changes are not permitted."
	MsgDestructive  = "Whoa there! Destructive server operations are blocked."
	MsgInfoLeak     = "Sneaky! But accessing server internals is not allowed."
	MsgExtension    = "Extensions and plugins are disabled in the sandbox."
	MsgNetwork      = "Network operations from the sandbox? Not today!"
	MsgAuth         = "Authentication and user management is off limits."
	MsgReplication  = "Replication commands are not available in the sandbox."
	MsgAdmin        = "Admin commands are blocked. This is a learning sandbox!"
)

type rule struct {
	pattern *regexp.Regexp
	message string
}

func mustRules(table [][2]string) []rule {
	rules := make([]rule, 0, len(table))
	for _, entry := range table {
		rules = append(rules, rule{
			pattern: regexp.MustCompile(`(?i)` + entry[0]),
			message: entry[1],
		})
	}
	return rules
}

// sqlRules applies to PostgreSQL, MariaDB, and SQLite. Matched against
// the query with comments stripped, collapsed whitespace, and
// case-insensitive matching. First match wins.
var sqlRules = mustRules([][2]string{
	// File system access
	{`\bpg_read_file\b`, MsgFileRead},
	{`\bpg_read_binary_file\b`, MsgFileRead},
	{`\bpg_stat_file\b`, MsgFileRead},
	{`\blo_import\b`, MsgFileRead},
	{`\blo_export\b`, MsgFileWrite},
	{`\bload_file\b`, MsgFileRead},
	{`\binto\s+outfile\b`, MsgFileWrite},
	{`\binto\s+dumpfile\b`, MsgFileWrite},
	{`\battach\s+database\b`, MsgFileRead},

	// System command execution
	{`\bcopy\b.*\bto\s+program\b`, MsgSystemCmd},
	{`\bcopy\b.*\bfrom\s+program\b`, MsgSystemCmd},
	{`\bpg_execute_server_program\b`, MsgSystemCmd},

	// Privilege escalation / user info
	{`\bpg_shadow\b`, MsgPrivilege},
	{`\bpg_authid\b`, MsgPrivilege},
	{`\bpg_auth_members\b`, MsgPrivilege},
	{`\bpg_roles\b`, MsgPrivilege},
	{`\bpg_user\b`, MsgPrivilege},
	{`\binformation_schema\.user_privileges\b`, MsgPrivilege},
	{`\bmysql\.user\b`, MsgPrivilege},
	{`\bmysql\.db\b`, MsgPrivilege},
	{`\bmysql\.tables_priv\b`, MsgPrivilege},
	{`\bmysql\.columns_priv\b`, MsgPrivilege},
	{`\bmysql\.global_priv\b`, MsgPrivilege},
	{`\bperformance_schema\b`, MsgPrivilege},

	// Server configuration
	{`\bset\s+global\b`, MsgServerConfig},
	{`\balter\s+system\b`, MsgServerConfig},
	{`\bpg_reload_conf\b`, MsgServerConfig},
	{`\bpg_terminate_backend\b`, MsgServerConfig},
	{`\bpg_cancel_backend\b`, MsgServerConfig},
	{`\bpg_sleep\b`, MsgServerConfig},

	// Dangerous DDL / admin
	{`\bcreate\s+role\b`, MsgAuth},
	{`\bcreate\s+user\b`, MsgAuth},
	{`\balter\s+role\b`, MsgAuth},
	{`\balter\s+user\b`, MsgAuth},
	{`\bdrop\s+role\b`, MsgAuth},
	{`\bdrop\s+user\b`, MsgAuth},
	{`\bgrant\b`, MsgAuth},
	{`\brevoke\b`, MsgAuth},
	{`\bcreate\s+extension\b`, MsgExtension},
	{`\bcreate\s+(?:or\s+replace\s+)?function\b`, MsgSystemCmd},
	{`\bcreate\s+(?:or\s+replace\s+)?procedure\b`, MsgSystemCmd},
	{`\bcreate\s+trigger\b`, MsgSystemCmd},
	{`\bcreate\s+event\b`, MsgSystemCmd},
	{`\bdo\s*\$`, MsgSystemCmd},

	// Session isolation (prevent schema/db escape)
	{`\bcreate\s+schema\b`, MsgDestructive},
	{`\bdrop\s+schema\b`, MsgDestructive},
	{`\bset\s+search_path\b`, MsgServerConfig},
	{`\buse\s+\w`, MsgServerConfig},

	// Destructive server-wide operations
	{`\bdrop\s+database\b`, MsgDestructive},
	{`\bcreate\s+database\b`, MsgDestructive},
	{`\bdrop\s+tablespace\b`, MsgDestructive},

	// Network / external access
	{`\bdblink\b`, MsgNetwork},
	{`\bpostgres_fdw\b`, MsgNetwork},
	{`\bcreate\s+server\b`, MsgNetwork},
	{`\bcreate\s+foreign\b`, MsgNetwork},

	// Information leaking
	{`\bpg_ls_dir\b`, MsgInfoLeak},
	{`\bpg_ls_logdir\b`, MsgInfoLeak},
	{`\bpg_ls_waldir\b`, MsgInfoLeak},
	{`\bcurrent_setting\b`, MsgInfoLeak},
	{`\bpg_hba_file_rules\b`, MsgInfoLeak},
	{`\bshow\s+variables\b`, MsgInfoLeak},
	{`\bshow\s+grants\b`, MsgInfoLeak},
	{`\bshow\s+(?:master|slave|replica)\b`, MsgReplication},
})

// mongoRules is scanned against the raw query text.
var mongoRules = mustRules([][2]string{
	// Admin commands
	{`\badminCommand\b`, MsgAdmin},
	{`\brunCommand\b`, MsgAdmin},
	{`\bgetSiblingDB\b`, MsgAdmin},
	{`\bgetMongo\b`, MsgAdmin},
	{`\bshutdownServer\b`, MsgDestructive},
	{`\bfsyncLock\b`, MsgDestructive},
	{`\bfsyncUnlock\b`, MsgDestructive},

	// Code execution
	{`\$where\b`, MsgSystemCmd},
	{`\beval\b`, MsgSystemCmd},
	{`\bsystem\b`, MsgSystemCmd},
	{`\$function\b`, MsgSystemCmd},
	{`\$accumulator\b`, MsgSystemCmd},
	{`\bmapReduce\b`, MsgSystemCmd},

	// Auth / users
	{`\bcreateUser\b`, MsgAuth},
	{`\bdropUser\b`, MsgAuth},
	{`\bupdateUser\b`, MsgAuth},
	{`\bgrantRolesToUser\b`, MsgAuth},
	{`\brevokeRolesFromUser\b`, MsgAuth},
	{`\bcreateRole\b`, MsgAuth},

	// Database-level destructive
	{`\bdropDatabase\b`, MsgDestructive},

	// Server info
	{`\bserverStatus\b`, MsgInfoLeak},
	{`\bhostInfo\b`, MsgInfoLeak},
	{`\blistDatabases\b`, MsgInfoLeak},
	{`\bcurrentOp\b`, MsgInfoLeak},
	{`\bgetCmdLineOpts\b`, MsgInfoLeak},
	{`\bgetLog\b`, MsgInfoLeak},

	// Replication
	{`\breplSetGetStatus\b`, MsgReplication},
	{`\breplSetInitiate\b`, MsgReplication},
	{`\bisMaster\b`, MsgReplication},

	// Host-runtime access via embedded JS
	{`\bprocess\s*\.`, MsgSystemCmd},
	{`\brequire\s*\(`, MsgSystemCmd},
	{`\bchild_process\b`, MsgSystemCmd},
	{`\bspawn\s*\(`, MsgSystemCmd},
	{`\bexec\s*\(`, MsgSystemCmd},
})

// redisAllowed is the whitelist of data commands available in the
// sandbox; everything else is rejected.
var redisAllowed = map[string]struct{}{}

func init() {
	for _, cmd := range []string{
		// Strings
		"SET", "GET", "MSET", "MGET", "APPEND", "STRLEN",
		"INCR", "INCRBY", "INCRBYFLOAT", "DECR", "DECRBY",
		"SETNX", "SETEX", "PSETEX", "GETSET", "GETRANGE", "SETRANGE",
		"GETDEL",

		// Keys
		"DEL", "EXISTS", "EXPIRE", "EXPIREAT", "TTL", "PTTL",
		"PERSIST", "TYPE", "RENAME", "RENAMENX", "RANDOMKEY",
		"SCAN", "OBJECT",
		"KEYS", // allowed: the sandbox keyspace is isolated and small

		// Hashes
		"HSET", "HGET", "HMSET", "HMGET", "HGETALL", "HDEL",
		"HEXISTS", "HKEYS", "HVALS", "HLEN", "HINCRBY", "HINCRBYFLOAT",
		"HSETNX", "HSCAN",

		// Lists
		"LPUSH", "RPUSH", "LPOP", "RPOP", "LRANGE", "LLEN",
		"LINDEX", "LSET", "LINSERT", "LREM", "LTRIM",
		"RPOPLPUSH", "LMOVE", "LPOS",

		// Sets
		"SADD", "SREM", "SMEMBERS", "SISMEMBER", "SCARD",
		"SUNION", "SINTER", "SDIFF",
		"SUNIONSTORE", "SINTERSTORE", "SDIFFSTORE",
		"SRANDMEMBER", "SPOP", "SMOVE", "SSCAN",

		// Sorted sets
		"ZADD", "ZREM", "ZSCORE", "ZRANK", "ZREVRANK",
		"ZRANGE", "ZREVRANGE", "ZRANGEBYSCORE", "ZREVRANGEBYSCORE",
		"ZCARD", "ZCOUNT", "ZINCRBY",
		"ZUNIONSTORE", "ZINTERSTORE",
		"ZRANGEBYLEX", "ZLEXCOUNT", "ZSCAN",
		"ZPOPMIN", "ZPOPMAX", "ZRANGESTORE", "ZMSCORE",

		// HyperLogLog
		"PFADD", "PFCOUNT", "PFMERGE",

		// Streams
		"XADD", "XLEN", "XRANGE", "XREVRANGE", "XREAD",
		"XINFO", "XTRIM",

		// Pub/Sub
		"PUBLISH", "SUBSCRIBE", "UNSUBSCRIBE",

		// Geo
		"GEOADD", "GEODIST", "GEOHASH", "GEOPOS",
		"GEORADIUS", "GEORADIUSBYMEMBER", "GEOSEARCH", "GEOSEARCHSTORE",

		// Utility
		"PING", "ECHO", "DBSIZE", "TIME",
		"MULTI", "EXEC", "DISCARD", "WATCH", "UNWATCH",
		"SORT",

		// Info (read-only, useful for learning)
		"INFO",
	} {
		redisAllowed[cmd] = struct{}{}
	}
}

// redisDangerous maps commonly attempted dangerous commands to a
// specific rejection message; anything else not whitelisted gets the
// generic one.
var redisDangerous = map[string]string{
	"CONFIG":       MsgServerConfig,
	"FLUSHALL":     MsgDestructive,
	"FLUSHDB":      MsgDestructive,
	"SHUTDOWN":     MsgDestructive,
	"SLAVEOF":      MsgReplication,
	"REPLICAOF":    MsgReplication,
	"DEBUG":        MsgSystemCmd,
	"MODULE":       MsgExtension,
	"ACL":          MsgAuth,
	"AUTH":         MsgAuth,
	"BGSAVE":       MsgServerConfig,
	"BGREWRITEAOF": MsgServerConfig,
	"SAVE":         MsgServerConfig,
	"MIGRATE":      MsgNetwork,
	"CLUSTER":      MsgServerConfig,
	"CLIENT":       MsgInfoLeak,
	"COMMAND":      MsgInfoLeak,
	"LATENCY":      MsgInfoLeak,
	"MEMORY":       MsgInfoLeak,
	"SLOWLOG":      MsgInfoLeak,
	"SWAPDB":       MsgDestructive,
	"SELECT":       MsgServerConfig,
	"MONITOR":      MsgInfoLeak,
	"WAIT":         MsgServerConfig,
	"RESTORE":      MsgServerConfig,
	"DUMP":         MsgInfoLeak,
	"SCRIPT":       MsgSystemCmd,
	"EVAL":         MsgSystemCmd,
	"EVALSHA":      MsgSystemCmd,
	"FUNCTION":     MsgSystemCmd,
	"FCALL":        MsgSystemCmd,
}

var (
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComments  = regexp.MustCompile(`--[^\n]*`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// stripSQLComments removes SQL comments (-- line and /* block */) so a
// comment cannot split a blocked keyword, then collapses whitespace.
func stripSQLComments(query string) string {
	query = blockComments.ReplaceAllString(query, " ")
	query = lineComments.ReplaceAllString(query, " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(query, " "))
}

// Validate checks query against the rules for the given backend kind.
// It returns nil when the query is allowed, or a query_blocked error
// carrying the friendly diagnostic.
func Validate(backend sandbox.Backend, query string) error {
	switch backend {
	case sandbox.BackendSQLite, sandbox.BackendPostgreSQL, sandbox.BackendMariaDB:
		return validateSQL(query)
	case sandbox.BackendMongoDB:
		return validateMongo(query)
	case sandbox.BackendRedis:
		return validateRedis(query)
	default:
		return errors.NewInvalidArgumentError(fmt.Sprintf("unsupported backend kind: %q", backend), nil)
	}
}

func validateSQL(query string) error {
	cleaned := stripSQLComments(query)
	for _, r := range sqlRules {
		if r.pattern.MatchString(cleaned) {
			return errors.NewQueryBlockedError(r.message)
		}
	}
	return nil
}

func validateMongo(query string) error {
	for _, r := range mongoRules {
		if r.pattern.MatchString(query) {
			return errors.NewQueryBlockedError(r.message)
		}
	}
	return nil
}

func validateRedis(query string) error {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return nil
	}
	command := strings.ToUpper(fields[0])
	if _, ok := redisAllowed[command]; ok {
		return nil
	}
	if msg, ok := redisDangerous[command]; ok {
		return errors.NewQueryBlockedError(msg)
	}
	return errors.NewQueryBlockedError(fmt.Sprintf(
		"The command '%s' is not available in the sandbox. Stick to data commands like GET, SET, HSET, LPUSH, ZADD, etc.",
		command))
}
