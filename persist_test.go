package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentStoreSaveLoad(t *testing.T) {
	p, err := NewPersistentStore(t.TempDir())
	require.NoError(t, err)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, p.Save("test", payload{Name: "node", Count: 3}))
	assert.True(t, p.Exists("test"))

	var got payload
	require.NoError(t, p.Load("test", &got))
	assert.Equal(t, payload{Name: "node", Count: 3}, got)
}

func TestPersistentStoreMissingKey(t *testing.T) {
	p, err := NewPersistentStore(t.TempDir())
	require.NoError(t, err)
	assert.False(t, p.Exists("nope"))

	var v map[string]any
	err = p.Load("nope", &v)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPersistentStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistentStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644))

	var v map[string]any
	err = p.Load("bad", &v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrNotExist)
}

func TestPersistentStoreOverwrite(t *testing.T) {
	p, err := NewPersistentStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.Save("k", []int{1, 2}))
	require.NoError(t, p.Save("k", []int{3}))

	var got []int
	require.NoError(t, p.Load("k", &got))
	assert.Equal(t, []int{3}, got)
}
