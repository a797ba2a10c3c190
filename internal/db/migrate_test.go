package db

import (
	"context"
	"io/fs"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/nesspipe/internal/errors"
)

func testMigrator(t *testing.T, files fs.FS) (*Migrator, sqlmock.Sqlmock) {
	db, mock := newMock(t)
	m := NewMigrator(db)
	if files != nil {
		m.files = files
	}
	return m, mock
}

func TestEmbeddedMigrations(t *testing.T) {
	m, _ := testMigrator(t, nil)

	files, err := m.getMigrationFiles()

	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial_schema.sql", "002_import_source_index.sql"}, files)

	content, err := fs.ReadFile(m.files, files[0])
	require.NoError(t, err)
	assert.Contains(t, string(content), "CREATE TABLE IF NOT EXISTS findings")
}

func TestMigratorUp(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"002_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
	}
	m, mock := testMigrator(t, files)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_a", fixedNow, calculateChecksum([]byte("CREATE TABLE a (id INT);"))))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("002_b", calculateChecksum([]byte("CREATE TABLE b (id INT);"))).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorDetectsModifiedMigration(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("CREATE TABLE a (id BIGINT);")},
	}
	m, mock := testMigrator(t, files)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_a", fixedNow, calculateChecksum([]byte("CREATE TABLE a (id INT);"))))

	err := m.Up(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseMigration))
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorRollsBackFailedMigration(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
	}
	m, mock := testMigrator(t, files)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := m.Up(context.Background())

	assert.True(t, errors.IsCode(err, errors.CodeDatabaseMigration))
	assert.NoError(t, mock.ExpectationsWereMet())
}
