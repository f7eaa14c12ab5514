package store

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/oakci/oak/internal/identity"
)

// Backup format: a plain SQL file, one INSERT per line, with a comment
// header. Imports rewrite INSERT INTO to INSERT OR IGNORE INTO and rely on
// the unique content_hash indexes for cross-machine dedup. Only rows that
// originated on this machine are exported; each machine's backup is the
// authority for its own rows.

const backupHeaderMarker = "-- oak backup v1"

type exportTableSpec struct {
	name    string
	columns []string
	// rewrite lets a table adjust a column value before rendering.
	rewrite func(col string, v any) any
}

var exportTables = []exportTableSpec{
	{
		name: "sessions",
		columns: []string{"id", "agent", "project_root", "started_at", "started_at_epoch",
			"ended_at", "ended_at_epoch", "status", "prompt_count", "tool_count",
			"processed", "summary", "title", "title_manually_edited",
			"parent_session_id", "parent_reason", "suggested_parent_dismissed",
			"transcript_path", "source_machine_id", "content_hash"},
	},
	{
		name: "prompt_batches",
		columns: []string{"id", "session_id", "prompt_number", "user_prompt",
			"started_at", "started_at_epoch", "ended_at", "ended_at_epoch", "status",
			"activity_count", "processed", "process_success", "classification",
			"source_type", "plan_file_path", "plan_content", "plan_embedded",
			"source_plan_batch_id", "response_summary", "source_machine_id", "content_hash"},
	},
	{
		name: "activities",
		columns: []string{"id", "session_id", "prompt_batch_id", "tool_name", "tool_input",
			"tool_output_summary", "file_path", "files_affected", "duration_ms",
			"success", "error_message", "timestamp", "timestamp_epoch", "processed",
			"observation_id", "source_machine_id", "content_hash"},
	},
	{
		name: "observations",
		columns: []string{"id", "session_id", "prompt_batch_id", "observation",
			"memory_type", "context", "tags", "importance", "file_path",
			"created_at", "created_at_epoch", "embedded", "status",
			"resolved_by_session_id", "resolved_at", "resolved_at_epoch",
			"superseded_by", "session_origin_type", "source_machine_id", "content_hash"},
		// The importing machine re-embeds on its own index.
		rewrite: func(col string, v any) any {
			if col == "embedded" {
				return int64(0)
			}
			return v
		},
	},
	{
		name: "resolution_events",
		columns: []string{"observation_id", "action", "source_machine_id",
			"resolved_by_session_id", "superseded_by", "applied", "content_hash",
			"created_at", "created_at_epoch"},
		// Events are exported unapplied so importers replay them.
		rewrite: func(col string, v any) any {
			if col == "applied" {
				return int64(0)
			}
			return v
		},
	},
}

// ExportSQL writes this machine's rows as a backup stream.
func ExportSQL(db *sql.DB, w io.Writer) error {
	current, _, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, backupHeaderMarker)
	fmt.Fprintf(bw, "-- schema_version: %d\n", current)
	fmt.Fprintf(bw, "-- machine: %s\n", identity.MachineID())
	fmt.Fprintf(bw, "-- exported_at: %s\n", time.Now().UTC().Format(time.RFC3339))

	for _, spec := range exportTables {
		if err := exportTable(db, bw, spec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func exportTable(db *sql.DB, w io.Writer, spec exportTableSpec) error {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE source_machine_id = ? ORDER BY rowid",
		strings.Join(spec.columns, ", "), spec.name)
	rows, err := db.QueryContext(context.Background(), query, identity.MachineID())
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", spec.name, err)
	}
	defer func() { _ = rows.Close() }()

	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES (",
		spec.name, strings.Join(spec.columns, ", "))

	vals := make([]any, len(spec.columns))
	ptrs := make([]any, len(spec.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	var sb strings.Builder
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", spec.name, err)
		}
		sb.Reset()
		sb.WriteString(prefix)
		for i, v := range vals {
			if i > 0 {
				sb.WriteString(", ")
			}
			if spec.rewrite != nil {
				v = spec.rewrite(spec.columns[i], v)
			}
			sb.WriteString(sqlLiteral(v))
		}
		sb.WriteString(");")
		if _, err := fmt.Fprintln(w, sb.String()); err != nil {
			return err
		}
	}
	return rows.Err()
}

// sqlLiteral renders a scanned value as a SQL literal.
func sqlLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []byte:
		return quoteSQLString(string(t))
	case string:
		return quoteSQLString(t)
	case time.Time:
		return quoteSQLString(t.UTC().Format(time.RFC3339))
	default:
		return quoteSQLString(fmt.Sprintf("%v", t))
	}
}

func quoteSQLString(s string) string {
	// Statements are one per line; embedded newlines are escaped via
	// SQLite's char() concatenation so the line-oriented importer holds.
	s = strings.ReplaceAll(s, "'", "''")
	if strings.ContainsAny(s, "\n\r") {
		s = strings.ReplaceAll(s, "\r", "'||char(13)||'")
		s = strings.ReplaceAll(s, "\n", "'||char(10)||'")
	}
	return "'" + s + "'"
}

// ImportResult summarizes one backup import.
type ImportResult struct {
	Statements int `json:"statements"`
	Inserted   int `json:"inserted"`
	Skipped    int `json:"skipped"`
}

// ImportSQL replays a backup stream. Every INSERT is rewritten to
// INSERT OR IGNORE so re-importing the same backup is a no-op; rows already
// present under a unique index are counted as skipped.
func ImportSQL(db *sql.DB, r io.Reader) (*ImportResult, error) {
	// Statements are materialized up front: the transaction can be retried
	// on a busy database, and a consumed reader cannot.
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var stmts []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if !strings.HasPrefix(line, "INSERT INTO ") {
			return nil, fmt.Errorf("unexpected statement in backup: %.60s", line)
		}
		stmts = append(stmts, "INSERT OR IGNORE INTO "+strings.TrimPrefix(line, "INSERT INTO "))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	res := &ImportResult{}
	err := Transact(db, func(tx *sql.Tx) error {
		*res = ImportResult{}
		ctx := context.Background()
		for _, stmt := range stmts {
			execRes, err := tx.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("failed to import statement: %w", err)
			}
			res.Statements++
			n, err := execRes.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
