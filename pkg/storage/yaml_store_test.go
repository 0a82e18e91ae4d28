package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calcDefinitions = `
nodes:
  - uuid: node-sum
    name: sum
    url: http://calc/sum
    method: POST
    payload:
      numbers: ${numbers}
    extract:
      sum: sum
pipelines:
  - uuid: calc
    name: calculator
    steps:
      - name: add
        nodeUUID: node-sum
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestYAMLStoreLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "calc.yaml"), calcDefinitions)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	store, err := NewYAMLStore(dir, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	node, err := store.GetNode(context.Background(), "node-sum")
	require.NoError(t, err)
	assert.Equal(t, []domain.ExtractDescriptor{{Source: "sum", Destination: "sum"}}, []domain.ExtractDescriptor(node.Extract))
	assert.Equal(t, map[string]any{"numbers": "${numbers}"}, node.Payload)

	p, err := store.GetPipeline(context.Background(), "calc")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-sum"}, p.NodeIDs())

	snap := store.CurrentSnapshot()
	assert.Len(t, snap.Nodes, 1)
	assert.Len(t, snap.Pipelines, 1)
}

func TestYAMLStoreRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.yml"), "nodes: [unterminated")

	_, err := NewYAMLStore(dir, quietLogger())
	assert.Error(t, err)
}

func TestYAMLStoreReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	store, err := NewYAMLStore(dir, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	updates := store.Subscribe()
	initial := <-updates
	assert.Empty(t, initial.Pipelines)

	writeFile(t, filepath.Join(dir, "calc.yaml"), calcDefinitions)

	require.Eventually(t, func() bool {
		_, err := store.GetPipeline(context.Background(), "calc")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case snap := <-updates:
		assert.NotEqual(t, initial.Generation, snap.Generation)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a snapshot after reload")
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "calc.yaml")))
	require.Eventually(t, func() bool {
		_, err := store.GetPipeline(context.Background(), "calc")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestYAMLStoreSaveWritesBackToOrigin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "calc.yaml"), calcDefinitions)
	store, err := NewYAMLStore(dir, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	p, err := store.GetPipeline(ctx, "calc")
	require.NoError(t, err)
	p.Status = "Active"
	_, err = store.SavePipeline(ctx, p)
	require.NoError(t, err)

	created, err := store.SaveNode(ctx, domain.NodeDefinition{Name: "avg", URL: "http://calc/avg"})
	require.NoError(t, err)

	reopened, err := NewYAMLStore(dir, quietLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetPipeline(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, "Active", got.Status)
	_, err = reopened.GetNode(ctx, created.UUID)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"calc.yaml", "node-" + created.UUID + ".yaml"}, names)
}

func TestYAMLStoreCloseEndsSubscriptions(t *testing.T) {
	store, err := NewYAMLStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	updates := store.Subscribe()
	<-updates

	require.NoError(t, store.Close())
	_, ok := <-updates
	assert.False(t, ok)
	assert.NoError(t, store.Close(), "close is idempotent")
}
