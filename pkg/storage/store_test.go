package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backends(t *testing.T) map[string]DefinitionStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", filepath.Base(t.Name())))
	require.NoError(t, err)
	yamlStore, err := NewYAMLStore(t.TempDir(), quietLogger())
	require.NoError(t, err)

	stores := map[string]DefinitionStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"yaml":   yamlStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoresRoundTripDefinitions(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			node, err := store.SaveNode(ctx, domain.NodeDefinition{
				Name:    "sum",
				URL:     "http://calc/sum",
				Method:  "POST",
				Headers: map[string]string{"X-Trace": "${trace}"},
				Payload: map[string]any{"numbers": "${numbers}"},
				Extract: domain.ExtractList{{Source: "sum", Destination: "sum"}},
			})
			require.NoError(t, err)
			require.NotEmpty(t, node.UUID, "save assigns an id")

			got, err := store.GetNode(ctx, node.UUID)
			require.NoError(t, err)
			assert.Equal(t, node, got)
			assert.Equal(t, map[string]any{"numbers": "${numbers}"}, got.Payload)

			pipeline, err := store.SavePipeline(ctx, domain.PipelineDefinition{
				UUID:  "calc",
				Name:  "calculator",
				Steps: []domain.StepDefinition{{Name: "add", NodeUUID: node.UUID}},
			})
			require.NoError(t, err)
			assert.Equal(t, "calc", pipeline.UUID)

			pipeline.Status = "Active"
			_, err = store.SavePipeline(ctx, pipeline)
			require.NoError(t, err)

			list, err := store.ListPipelines(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "Active", list[0].Status)

			nodes, err := store.ListNodes(ctx)
			require.NoError(t, err)
			assert.Len(t, nodes, 1)
		})
	}
}

func TestStoresReportNotFound(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetNode(context.Background(), "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, err, domain.ErrNodeNotFound)

			_, err = store.GetPipeline(context.Background(), "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
			assert.NotErrorIs(t, err, domain.ErrNodeNotFound)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	saved, err := store.SaveNode(ctx, domain.NodeDefinition{UUID: "n", URL: "http://x", Headers: map[string]string{"a": "1"}})
	require.NoError(t, err)

	saved.Headers["a"] = "changed"
	got, err := store.GetNode(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Headers["a"])
}

func TestListPipelinesIsOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := store.SavePipeline(ctx, domain.PipelineDefinition{Name: name})
		require.NoError(t, err)
	}
	list, err := store.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, []string{list[0].Name, list[1].Name, list[2].Name})
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(Config{Driver: "postgres"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: DriverSQLite})
	assert.Error(t, err, "sqlite requires a dsn")
}
