// Package jobs loads synchronization jobs from a YAML file.
//
// A jobs file looks like
//
//	jobs:
//	  - name: finance
//	    store: workspace://SpacesStore
//	    max_batch: 500
//	    filters:
//	      sites: [finance]
//	      types: ["cm:content"]
//
// Every document is validated against an embedded JSON Schema before it is decoded.
package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	stdsync "sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/sync"
)

const schemaURL = "https://alfresco-sync.local/schemas/jobs.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["jobs"],
  "additionalProperties": false,
  "properties": {
    "jobs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name":      {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
          "store":     {"type": "string", "pattern": "^[^:/]+://[^/]+$"},
          "max_batch": {"type": "integer", "minimum": 1, "maximum": 2147483646},
          "filters":   {"$ref": "` + filter.SchemaURL + `"}
        }
      }
    }
  }
}`

// Defaults fill in what a job definition leaves out.
type Defaults struct {
	Store    gateway.StoreRef
	MaxBatch int
}

// Definition is one entry of the jobs file.
type Definition struct {
	Name     string            `yaml:"name"`
	Store    string            `yaml:"store,omitempty"`
	MaxBatch int               `yaml:"max_batch,omitempty"`
	Filters  filter.Predicates `yaml:"filters,omitempty"`
}

type file struct {
	Jobs []Definition `yaml:"jobs"`
}

var (
	schemaOnce stdsync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if schemaErr = filter.AddSchema(c); schemaErr != nil {
			return
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("failed to decode jobs schema: %w", err)
			return
		}
		if schemaErr = c.AddResource(schemaURL, doc); schemaErr != nil {
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Load reads and parses the jobs file at path.
func Load(path string, defaults Defaults) ([]sync.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}
	jobs, err := Parse(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return jobs, nil
}

// Parse validates a YAML jobs document and turns it into jobs. Job names must be unique.
func Parse(data []byte, defaults Defaults) ([]sync.Job, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", filter.ErrConfigurationInvalid, err)
	}

	seen := make(map[string]bool, len(f.Jobs))
	jobs := make([]sync.Job, 0, len(f.Jobs))
	for _, def := range f.Jobs {
		if seen[def.Name] {
			return nil, fmt.Errorf("%w: duplicate job %q", filter.ErrConfigurationInvalid, def.Name)
		}
		seen[def.Name] = true

		job, err := def.job(defaults)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (d Definition) job(defaults Defaults) (sync.Job, error) {
	store := defaults.Store
	if d.Store != "" {
		ref, err := gateway.ParseStoreRef(d.Store)
		if err != nil {
			return sync.Job{}, fmt.Errorf("job %s: %w", d.Name, err)
		}
		store = ref
	}
	maxBatch := defaults.MaxBatch
	if d.MaxBatch > 0 {
		maxBatch = d.MaxBatch
	}
	job := sync.Job{
		Target:   cursor.Target{Job: d.Name, Store: store},
		Filter:   filter.New(d.Filters),
		MaxBatch: maxBatch,
	}
	if err := job.Validate(); err != nil {
		return sync.Job{}, err
	}
	return job, nil
}

// validate checks the YAML document against the schema. YAML is routed through JSON so the
// validator sees the same numbers and strings a JSON document would carry.
func validate(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: jobs file is not valid YAML: %v", filter.ErrConfigurationInvalid, err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: jobs file cannot be represented as JSON: %v", filter.ErrConfigurationInvalid, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", filter.ErrConfigurationInvalid, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", filter.ErrConfigurationInvalid, err)
	}
	return nil
}
