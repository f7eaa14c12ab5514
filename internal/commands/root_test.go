package commands

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/store"
)

func TestCmdErrMarksHandled(t *testing.T) {
	require.NoError(t, cmdErr(nil))

	err := cmdErr(errors.New("boom"))
	var pe printedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "error already printed", err.Error())
}

func TestWithDBOpensResolvedPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("OAK_DB_PATH", dbPath)

	err := withDB(func(db *DB) error {
		n, err := store.CountSessions(db)
		if err != nil {
			return err
		}
		assert.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
}

func TestWithDBPropagatesHandlerError(t *testing.T) {
	t.Setenv("OAK_DB_PATH", filepath.Join(t.TempDir(), "cli.db"))

	err := withDB(func(db *DB) error { return errors.New("handler failed") })
	var pe printedError
	require.ErrorAs(t, err, &pe)
}

func TestDBPathCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "oak.db")
	t.Setenv("OAK_DB_PATH", dbPath)

	cmd := newDBPathCmd()
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestDBCommandTree(t *testing.T) {
	cmd := NewDBCmd()
	names := make([]string, 0, 3)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"path", "checkpoint", "reembed"}, names)
}

func TestSuggestCommandTree(t *testing.T) {
	cmd := NewSuggestCmd()
	names := make([]string, 0, 3)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"parent", "accept", "dismiss"}, names)
}
