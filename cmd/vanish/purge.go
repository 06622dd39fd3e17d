package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vanishapp/vanish/pkg/config"
)

type purgeOptions struct {
	DatabasePath string
	DryRun       bool
}

type purgeCounts struct {
	Messages  int64
	Requests  int64
	Tokens    int64
	Deletions int64
	Files     int64
}

func parsePurgeArgs(cfg *config.Config, args []string) (purgeOptions, error) {
	opts := purgeOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown purge flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

// runPurge deletes messages whose destruction deadline has passed, together
// with everything hanging off them: decryption requests, download tokens,
// per-user deletion markers and stored files. Reads already hide expired
// rows, so running this at any cadence is safe and idempotent.
func runPurge(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parsePurgeArgs(cfg, args)
	if err != nil {
		return err
	}

	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start purge transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	const expiredFilter = "expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')"

	var counts purgeCounts
	countQueries := []struct {
		dest  *int64
		query string
	}{
		{&counts.Messages, "SELECT COUNT(*) FROM messages WHERE " + expiredFilter},
		{&counts.Requests, "SELECT COUNT(*) FROM decryption_requests WHERE message_id IN (SELECT id FROM messages WHERE " + expiredFilter + ")"},
		{&counts.Tokens, "SELECT COUNT(*) FROM download_tokens WHERE message_id IN (SELECT id FROM messages WHERE " + expiredFilter + ")"},
		{&counts.Deletions, "SELECT COUNT(*) FROM user_message_deletions WHERE message_id IN (SELECT id FROM messages WHERE " + expiredFilter + ")"},
	}
	for _, cq := range countQueries {
		if err := dbConn.QueryRow(cq.query).Scan(cq.dest); err != nil {
			return fmt.Errorf("failed to count expired rows: %w", err)
		}
	}

	filePaths, err := expiredFilePaths(dbConn, expiredFilter)
	if err != nil {
		return err
	}
	counts.Files = int64(len(filePaths))

	if opts.DryRun {
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		printPurgeCounts(out, "Would delete", counts)
		return nil
	}

	deleteStatements := []string{
		"DELETE FROM download_tokens WHERE message_id IN (SELECT id FROM messages WHERE " + expiredFilter + ")",
		"DELETE FROM decryption_requests WHERE message_id IN (SELECT id FROM messages WHERE " + expiredFilter + ")",
		"DELETE FROM user_message_deletions WHERE message_id IN (SELECT id FROM messages WHERE " + expiredFilter + ")",
		"DELETE FROM messages WHERE " + expiredFilter,
	}
	for _, stmt := range deleteStatements {
		if _, err := dbConn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to delete expired rows: %w", err)
		}
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	inTx = false

	// Files go last: a re-run will not see the rows again, and a leftover
	// file without a row is harmless garbage rather than a data leak.
	for _, path := range filePaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(out, "Warning: failed to remove %s: %v\n", path, err)
		}
	}

	fmt.Fprintf(out, "Purge completed. Database: %s\n", opts.DatabasePath)
	printPurgeCounts(out, "Deleted", counts)
	return nil
}

func expiredFilePaths(dbConn *sql.DB, expiredFilter string) ([]string, error) {
	rows, err := dbConn.Query(
		"SELECT file_path FROM messages WHERE file_path IS NOT NULL AND " + expiredFilter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read expired file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan file path: %w", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading file paths: %w", err)
	}

	return paths, nil
}

func printPurgeCounts(out io.Writer, verb string, counts purgeCounts) {
	fmt.Fprintf(out, "%s %d messages, %d decryption requests, %d download tokens, %d deletion markers, %d files.\n",
		verb, counts.Messages, counts.Requests, counts.Tokens, counts.Deletions, counts.Files)
}
