package migrations

import (
	"io"
	"os"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSource(t *testing.T) {
	src, err := iofs.New(files, ".")
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	v, err := src.First()
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	up, _, err := src.ReadUp(v)
	require.NoError(t, err)
	defer up.Close()
	b, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(b), "CREATE TABLE IF NOT EXISTS matches")

	down, _, err := src.ReadDown(v)
	require.NoError(t, err)
	down.Close()

	_, err = src.Next(v)
	assert.ErrorIs(t, err, os.ErrNotExist, "001 should be the only migration")
}
