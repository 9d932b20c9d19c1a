package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

var defaults = Defaults{Store: gateway.DefaultStore, MaxBatch: 1000}

const twoJobs = `
jobs:
  - name: finance
    max_batch: 200
    filters:
      sites: [finance]
      types: ["cm:content"]
      properties:
        "cm:author": alice
  - name: archive
    store: archive://SpacesStore
`

func TestParse(t *testing.T) {
	jobs, err := Parse([]byte(twoJobs), defaults)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	finance := jobs[0]
	assert.Equal(t, "finance", finance.Target.Job)
	assert.Equal(t, gateway.DefaultStore, finance.Target.Store)
	assert.Equal(t, 200, finance.MaxBatch)
	assert.Equal(t, filter.Predicates{
		Types:      []string{"cm:content"},
		Sites:      []string{"finance"},
		Properties: map[string]string{"cm:author": "alice"},
	}, finance.Filter.Predicates())

	archive := jobs[1]
	assert.Equal(t, gateway.StoreRef{Protocol: "archive", Identifier: "SpacesStore"}, archive.Target.Store)
	assert.Equal(t, 1000, archive.MaxBatch)
	assert.True(t, archive.Filter.IsEmpty())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":             ``,
		"no jobs":           `jobs: []`,
		"unknown key":       "jobs:\n  - name: a\n    color: red\n",
		"missing name":      "jobs:\n  - store: workspace://SpacesStore\n",
		"bad name":          "jobs:\n  - name: a/b\n",
		"bad store":         "jobs:\n  - name: a\n    store: SpacesStore\n",
		"zero batch":        "jobs:\n  - name: a\n    max_batch: 0\n",
		"unbounded batch":   "jobs:\n  - name: a\n    max_batch: 2147483647\n",
		"unknown predicate": "jobs:\n  - name: a\n    filters:\n      owners: [bob]\n",
		"typed property":    "jobs:\n  - name: a\n    filters:\n      properties:\n        size: [1]\n",
		"duplicate":         "jobs:\n  - name: a\n  - name: a\n",
		"not yaml":          "jobs: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), defaults)
			require.ErrorIs(t, err, filter.ErrConfigurationInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), defaults)
	require.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  - name: first\n"), 0o600))

	w, err := NewWatcher(path, defaults)
	require.NoError(t, err)
	defer func() { assert.NoError(t, w.Close()) }()
	require.Len(t, w.Jobs(), 1)

	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  - name: first\n  - name: second\n"), 0o600))
	require.Eventually(t, func() bool { return len(w.Jobs()) == 2 }, 5*time.Second, 10*time.Millisecond)

	// an invalid edit keeps the previous jobs
	require.NoError(t, os.WriteFile(path, []byte("jobs: []\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, w.Jobs(), 2)
}

func TestWatcherRequiresValidInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: []\n"), 0o600))
	_, err := NewWatcher(path, defaults)
	require.ErrorIs(t, err, filter.ErrConfigurationInvalid)
}
