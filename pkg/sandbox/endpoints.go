package sandbox

// Endpoint describes how to reach one backing database server.
type Endpoint struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Endpoints holds the connection targets for every server-backed
// backend. SQLite needs none. The admin endpoints provision per-session
// schemas and databases; the student endpoints carry the restricted
// credentials queries run under. A nil student endpoint falls back to
// the admin one.
type Endpoints struct {
	PostgreSQL        Endpoint
	PostgreSQLStudent *Endpoint

	MariaDB        Endpoint
	MariaDBStudent *Endpoint
	// MariaDBRoot creates and drops per-session databases.
	MariaDBRoot Endpoint

	MongoDB Endpoint
	Redis   Endpoint
}

// StudentPostgreSQL returns the endpoint queries should run under.
func (e *Endpoints) StudentPostgreSQL() Endpoint {
	if e.PostgreSQLStudent != nil {
		return *e.PostgreSQLStudent
	}
	return e.PostgreSQL
}

// StudentMariaDB returns the endpoint queries should run under.
func (e *Endpoints) StudentMariaDB() Endpoint {
	if e.MariaDBStudent != nil {
		return *e.MariaDBStudent
	}
	return e.MariaDB
}

// ForBackend returns the stateless-execution endpoint for a backend.
func (e *Endpoints) ForBackend(b Backend) Endpoint {
	switch b {
	case BackendPostgreSQL:
		return e.PostgreSQL
	case BackendMariaDB:
		return e.MariaDB
	case BackendMongoDB:
		return e.MongoDB
	case BackendRedis:
		return e.Redis
	default:
		return Endpoint{}
	}
}
