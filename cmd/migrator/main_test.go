package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{exists: false}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeTx{}, nil
}

func (f *fakeDB) Close() {}

type fakeRow struct {
	exists bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*b = r.exists
	return nil
}

type fakeTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("not implemented")}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func singleMigration(name string) func(string) ([]string, error) {
	return func(string) ([]string, error) { return []string{name}, nil }
}

func sqlReader(string) ([]byte, error) { return []byte("SELECT 1;"), nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/0001_ledger.sql")
	if err != nil {
		t.Fatalf("expected valid path, got %v", err)
	}
	if clean != filepath.Clean("migrations/0001_ledger.sql") {
		t.Fatalf("unexpected clean path %s", clean)
	}

	for _, bad := range []string{"../outside.sql", "other/0001_ledger.sql"} {
		if _, err := validateMigrationPath("migrations", bad); err == nil {
			t.Fatalf("expected rejection for %q", bad)
		}
	}
}

func TestRunMigrationsAppliesAndSkips(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{exists: args[0].(string) == "0001_ledger.sql"}
		},
	}
	reads := 0
	readFile := func(string) ([]byte, error) {
		reads++
		return []byte("SELECT 1;"), nil
	}
	glob := func(string) ([]string, error) {
		return []string{"migrations/0002_trust.sql", "migrations/0001_ledger.sql"}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if reads != 1 {
		t.Fatalf("expected one read for the unapplied file, got %d", reads)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollbacks: %d", tx.rollbackCalls)
	}
	if len(logs) != 2 {
		t.Fatalf("expected applied + summary logs, got %#v", logs)
	}
}

func TestRunMigrationsSetupErrors(t *testing.T) {
	if err := runMigrations(context.Background(), nil, "migrations", nil, nil, nil); err == nil || !strings.Contains(err.Error(), "db required") {
		t.Fatalf("expected db required error, got %v", err)
	}

	db := &fakeDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("create fail")
	}}
	if err := runMigrations(context.Background(), db, "migrations", nil, nil, nil); err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
		t.Fatalf("expected create error, got %v", err)
	}

	db = &fakeDB{}
	globErr := func(string) ([]string, error) { return nil, errors.New("glob fail") }
	if err := runMigrations(context.Background(), db, "migrations", nil, globErr, nil); err == nil || !strings.Contains(err.Error(), "glob migrations") {
		t.Fatalf("expected glob error, got %v", err)
	}

	escape := singleMigration("../evil.sql")
	if err := runMigrations(context.Background(), db, "migrations", nil, escape, nil); err == nil || !strings.Contains(err.Error(), "invalid migration path") {
		t.Fatalf("expected path error, got %v", err)
	}

	db = &fakeDB{queryRowFn: func(context.Context, string, ...any) pgx.Row {
		return fakeRow{err: errors.New("lookup fail")}
	}}
	if err := runMigrations(context.Background(), db, "migrations", nil, singleMigration("migrations/0001.sql"), nil); err == nil || !strings.Contains(err.Error(), "migration lookup") {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestApplyMigrationFailures(t *testing.T) {
	glob := singleMigration("migrations/0001.sql")

	readErr := func(string) ([]byte, error) { return nil, errors.New("read fail") }
	if err := runMigrations(context.Background(), &fakeDB{}, "migrations", readErr, glob, nil); err == nil || !strings.Contains(err.Error(), "read migration") {
		t.Fatalf("expected read error, got %v", err)
	}

	db := &fakeDB{beginFn: func(context.Context) (pgx.Tx, error) { return nil, errors.New("begin fail") }}
	if err := runMigrations(context.Background(), db, "migrations", sqlReader, glob, nil); err == nil || !strings.Contains(err.Error(), "begin migration tx") {
		t.Fatalf("expected begin error, got %v", err)
	}

	tx := &fakeTx{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("apply fail")
	}}
	db = &fakeDB{beginFn: func(context.Context) (pgx.Tx, error) { return tx, nil }}
	if err := runMigrations(context.Background(), db, "migrations", sqlReader, glob, nil); err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("expected rollback on apply failure, got %d", tx.rollbackCalls)
	}

	execCalls := 0
	tx = &fakeTx{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		execCalls++
		if execCalls == 2 {
			return pgconn.CommandTag{}, errors.New("mark fail")
		}
		return pgconn.NewCommandTag("EXEC 1"), nil
	}}
	db = &fakeDB{beginFn: func(context.Context) (pgx.Tx, error) { return tx, nil }}
	if err := runMigrations(context.Background(), db, "migrations", sqlReader, glob, nil); err == nil || !strings.Contains(err.Error(), "mark migration") {
		t.Fatalf("expected mark error, got %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("expected rollback on mark failure, got %d", tx.rollbackCalls)
	}

	tx = &fakeTx{commitErr: errors.New("commit fail")}
	db = &fakeDB{beginFn: func(context.Context) (pgx.Tx, error) { return tx, nil }}
	if err := runMigrations(context.Background(), db, "migrations", sqlReader, glob, nil); err == nil || !strings.Contains(err.Error(), "commit migration") {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestMainPaths(t *testing.T) {
	origFatal := logFatalf
	origOpen := openDBFn
	defer func() {
		logFatalf = origFatal
		openDBFn = origOpen
	}()

	fatalCalled := false
	logFatalf = func(string, ...any) { fatalCalled = true }

	openDBFn = func(context.Context) (migratorDBCloser, error) { return &fakeDB{}, nil }
	main()
	if fatalCalled {
		t.Fatal("success path must not call logFatalf")
	}

	openDBFn = func(context.Context) (migratorDBCloser, error) { return nil, errors.New("db down") }
	main()
	if !fatalCalled {
		t.Fatal("expected logFatalf on db open failure")
	}

	fatalCalled = false
	openDBFn = func(context.Context) (migratorDBCloser, error) {
		return &fakeDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("exec fail")
		}}, nil
	}
	main()
	if !fatalCalled {
		t.Fatal("expected logFatalf on migration failure")
	}
}
