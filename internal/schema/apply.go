package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/nuwax-ai/nuwa-upgrade/internal/container"
	"github.com/nuwax-ai/nuwa-upgrade/internal/retry"
)

// Credentials identifies the database an Applier connects to.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN builds a go-sql-driver/mysql data source name.
func (c Credentials) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// CredentialsFromService reads database connection parameters out of a
// compose service's environment block and published ports, the way the
// schema applier discovers the database it needs to reach without any
// out-of-band configuration.
func CredentialsFromService(svc container.ComposeService) (Credentials, error) {
	env := svc.Environment
	creds := Credentials{
		Host:     firstNonEmpty(env["MYSQL_HOST"], "127.0.0.1"),
		User:     firstNonEmpty(env["MYSQL_USER"], "root"),
		Password: firstNonEmpty(env["MYSQL_ROOT_PASSWORD"], env["MYSQL_PASSWORD"]),
		Database: env["MYSQL_DATABASE"],
	}
	if creds.Database == "" {
		return Credentials{}, fmt.Errorf("schema: service has no MYSQL_DATABASE environment entry")
	}

	port, err := hostPortFromMappings(svc.Ports)
	if err != nil {
		return Credentials{}, err
	}
	creds.Port = port
	return creds, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// hostPortFromMappings picks the host-side port out of the first
// "[host_ip:]host_port:container_port" compose port mapping.
func hostPortFromMappings(ports []string) (int, error) {
	if len(ports) == 0 {
		return 0, fmt.Errorf("schema: service publishes no ports")
	}
	parts := strings.Split(ports[0], ":")
	hostPortStr := parts[0]
	if len(parts) >= 2 {
		hostPortStr = parts[len(parts)-2]
	}
	port, err := strconv.Atoi(hostPortStr)
	if err != nil {
		return 0, fmt.Errorf("schema: invalid port mapping %q: %w", ports[0], err)
	}
	return port, nil
}

// Applier runs a generated diff script against a live database, retrying
// the entire batch on transient failure.
type Applier struct {
	logger  *slog.Logger
	retrier *retry.Executor
}

// NewApplier creates an Applier. A nil logger uses slog.Default(); a nil
// retryConfig uses retry.DefaultConfig().
func NewApplier(retryConfig *retry.Config, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := retry.DefaultConfig()
	if retryConfig != nil {
		cfg = *retryConfig
	}
	return &Applier{
		logger:  logger,
		retrier: retry.NewExecutor(cfg, logger, nil),
	}
}

// Apply runs every statement in the diff file at diffPath inside a single
// transaction. On a transient failure the whole transaction is rolled back
// and the entire batch is retried from scratch with exponential backoff. On
// success the diff file is renamed to diff_sql_executed_<UTC timestamp>.sql
// for audit; on terminal failure it is left in place and the last error is
// returned.
func (a *Applier) Apply(ctx context.Context, diffPath string, creds Credentials) error {
	raw, err := os.ReadFile(diffPath)
	if err != nil {
		return fmt.Errorf("schema: reading diff file: %w", err)
	}
	statements := splitStatements(string(raw))
	if len(statements) == 0 {
		a.logger.Info("schema diff is empty, nothing to apply", "path", diffPath)
		return nil
	}

	db, err := sql.Open("mysql", creds.DSN())
	if err != nil {
		return fmt.Errorf("schema: opening database connection: %w", err)
	}
	defer db.Close()

	lastErr := a.retrier.Do(ctx, func() error {
		return a.runBatch(ctx, db, statements)
	})
	if lastErr != nil {
		a.logger.Error("schema diff apply failed, leaving diff file in place", "path", diffPath, "error", lastErr)
		return lastErr
	}

	executedPath := executedDiffPath(diffPath)
	if err := os.Rename(diffPath, executedPath); err != nil {
		return fmt.Errorf("schema: diff applied but renaming %s to %s failed: %w", diffPath, executedPath, err)
	}
	a.logger.Info("schema diff applied", "executed_path", executedPath, "statements", len(statements))
	return nil
}

func (a *Applier) runBatch(ctx context.Context, db *sql.DB, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: beginning transaction: %w", err)
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				a.logger.Warn("schema: rollback after statement failure also failed", "error", rbErr)
			}
			return fmt.Errorf("schema: executing statement %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema: committing transaction: %w", err)
	}
	return nil
}

func executedDiffPath(diffPath string) string {
	dir := filepath.Dir(diffPath)
	ts := time.Now().UTC().Format("20060102T150405Z")
	return filepath.Join(dir, fmt.Sprintf("diff_sql_executed_%s.sql", ts))
}

// splitStatements separates a diff script into individual statements using
// the same paren/quote-aware scan as the CREATE TABLE extractor, since a
// statement may itself contain parenthesized, comma-separated clauses.
func splitStatements(script string) []string {
	var statements []string
	depth := 0
	inString := false
	var quoteChar byte
	escapeNext := false
	var current strings.Builder

	for i := 0; i < len(script); i++ {
		c := script[i]
		if escapeNext {
			current.WriteByte(c)
			escapeNext = false
			continue
		}
		if inString {
			current.WriteByte(c)
			switch c {
			case '\\':
				escapeNext = true
			case quoteChar:
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = true
			quoteChar = c
			current.WriteByte(c)
		case '(':
			depth++
			current.WriteByte(c)
		case ')':
			depth--
			current.WriteByte(c)
		case ';':
			if depth <= 0 {
				if s := strings.TrimSpace(current.String()); s != "" {
					statements = append(statements, s)
				}
				current.Reset()
				continue
			}
			current.WriteByte(c)
		default:
			current.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		statements = append(statements, s)
	}
	return statements
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
