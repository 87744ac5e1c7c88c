// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package shell is a small interactive SQL shell for databases kept in the
// object store. Statements end with a semicolon and may span lines. Lines
// starting with a dot are shell commands.
package shell

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
)

var errQuit = errors.New("quit")

const help = `.help              Show this message
.open PATH         Close the current database and open PATH
.tables            List the tables
.schema [TABLE]    Show CREATE statements
.quit              Exit, also .exit
`

// Opener opens the database at path.
type Opener func(path string) (*sql.DB, error)

type Shell struct {
	open   Opener
	out    io.Writer
	prompt bool

	db   *sql.DB
	path string
}

// New returns a shell writing results to out. With prompt set a prompt is
// printed before every line.
func New(open Opener, out io.Writer, prompt bool) *Shell {
	return &Shell{open: open, out: out, prompt: prompt}
}

// Open switches the shell to the database at path.
func (s *Shell) Open(path string) error {
	db, err := s.open(path)
	if err != nil {
		return err
	}

	// One connection, so temporary tables and pragmas persist.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	s.Close()
	s.db, s.path = db, path
	log.Debug().Str("db", path).Msg("Shell database opened")

	return nil
}

// Close closes the current database.
func (s *Shell) Close() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

// Run reads statements from in until it ends, ctx is done or .quit is read.
// Errors of single statements are printed and do not stop the shell.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var stmt strings.Builder
	s.showPrompt(false)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case stmt.Len() == 0 && strings.HasPrefix(trimmed, "."):
			err := s.command(ctx, trimmed)
			if errors.Is(err, errQuit) {
				return nil
			}
			s.report(err)

		case trimmed == "" && stmt.Len() == 0:

		default:
			stmt.WriteString(line)
			stmt.WriteByte('\n')

			if strings.HasSuffix(trimmed, ";") {
				s.report(s.Exec(ctx, stmt.String()))
				stmt.Reset()
			}
		}

		s.showPrompt(stmt.Len() > 0)
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	if stmt.Len() > 0 {
		s.report(s.Exec(ctx, stmt.String()))
	}

	return nil
}

// Exec runs one statement and prints the rows it returns.
func (s *Shell) Exec(ctx context.Context, stmt string) error {
	if s.db == nil {
		return errors.New("no database open, use .open PATH")
	}

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer rows.Close()

	return s.print(rows)
}

func (s *Shell) print(rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	if len(cols) == 0 {
		return rows.Err()
	}

	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}

		fields := make([]string, len(values))
		for i, v := range values {
			if v.Valid {
				fields[i] = v.String
			} else {
				fields[i] = "NULL"
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}

	if err := rows.Err(); err != nil {
		return err
	}

	return w.Flush()
}

func (s *Shell) command(ctx context.Context, line string) error {
	fields := strings.Fields(line)

	switch fields[0] {
	case ".quit", ".exit":
		return errQuit
	case ".help":
		_, err := io.WriteString(s.out, help)
		return err
	case ".open":
		if len(fields) != 2 {
			return errors.New("usage: .open PATH")
		}
		return s.Open(fields[1])
	case ".tables":
		return s.Exec(ctx, `SELECT name FROM sqlite_schema WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	case ".schema":
		if len(fields) > 1 {
			return s.query(ctx, `SELECT sql FROM sqlite_schema WHERE name = ? AND sql IS NOT NULL`, fields[1])
		}
		return s.query(ctx, `SELECT sql FROM sqlite_schema WHERE sql IS NOT NULL ORDER BY name`)
	}

	return fmt.Errorf("unknown command %s, try .help", fields[0])
}

// Prints the first column of every row without a header.
func (s *Shell) query(ctx context.Context, q string, args ...any) error {
	if s.db == nil {
		return errors.New("no database open, use .open PATH")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s;\n", v)
	}

	return rows.Err()
}

func (s *Shell) report(err error) {
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *Shell) showPrompt(continued bool) {
	if !s.prompt {
		return
	}

	if continued {
		fmt.Fprint(s.out, "   ...> ")
	} else {
		fmt.Fprint(s.out, "s3qlite> ")
	}
}
