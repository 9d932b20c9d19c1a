// Package filter holds the scoping predicates that narrow which changed nodes a job cares about.
package filter

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"
)

// Predicates is the configuration shape of a filter. Field names match the jobs file.
type Predicates struct {
	Types      []string          `json:"types,omitempty" yaml:"types,omitempty"`
	Sites      []string          `json:"sites,omitempty" yaml:"sites,omitempty"`
	Mimetypes  []string          `json:"mimetypes,omitempty" yaml:"mimetypes,omitempty"`
	Aspects    []string          `json:"aspects,omitempty" yaml:"aspects,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Specification is an immutable set of predicates. The zero value matches everything.
type Specification struct {
	types      map[string]struct{}
	sites      map[string]struct{}
	mimetypes  map[string]struct{}
	aspects    map[string]struct{}
	properties map[string]string
}

// Candidate carries the attributes of a node that predicates are evaluated against.
type Candidate struct {
	Type       string
	Site       string
	Mimetype   string
	Aspects    []string
	Properties map[string]string
}

// New builds a Specification from p. Blank entries are ignored.
func New(p Predicates) Specification {
	s := Specification{
		types:     toSet(p.Types),
		sites:     toSet(p.Sites),
		mimetypes: toSet(p.Mimetypes),
		aspects:   toSet(p.Aspects),
	}
	if len(p.Properties) > 0 {
		s.properties = make(map[string]string, len(p.Properties))
		for k, v := range p.Properties {
			if k != "" {
				s.properties[k] = v
			}
		}
	}
	return s
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// IsEmpty reports whether no predicate is configured.
func (s Specification) IsEmpty() bool {
	return len(s.types) == 0 && len(s.sites) == 0 && len(s.mimetypes) == 0 &&
		len(s.aspects) == 0 && len(s.properties) == 0
}

// Matches reports whether c passes every configured predicate. Within one predicate any
// configured value is enough.
func (s Specification) Matches(c Candidate) bool {
	if len(s.types) > 0 && !contains(s.types, c.Type) {
		return false
	}
	if len(s.sites) > 0 && !contains(s.sites, c.Site) {
		return false
	}
	if len(s.mimetypes) > 0 && !contains(s.mimetypes, c.Mimetype) {
		return false
	}
	if len(s.aspects) > 0 && !slices.ContainsFunc(c.Aspects, func(a string) bool { return contains(s.aspects, a) }) {
		return false
	}
	if len(s.properties) > 0 && !s.matchesAnyProperty(c.Properties) {
		return false
	}
	return true
}

func (s Specification) matchesAnyProperty(props map[string]string) bool {
	for name, want := range s.properties {
		if got, ok := props[name]; ok && got == want {
			return true
		}
	}
	return false
}

func contains(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}

// Predicates returns a copy of the configured predicates with sorted values.
func (s Specification) Predicates() Predicates {
	p := Predicates{
		Types:     sortedKeys(s.types),
		Sites:     sortedKeys(s.sites),
		Mimetypes: sortedKeys(s.mimetypes),
		Aspects:   sortedKeys(s.aspects),
	}
	if len(s.properties) > 0 {
		p.Properties = maps.Clone(s.properties)
	}
	return p
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// indexingFilters is the document the repository change web script accepts.
type indexingFilters struct {
	TypeFilters     []string          `json:"typeFilters"`
	SiteFilters     []string          `json:"siteFilters"`
	MimetypeFilters []string          `json:"mimetypeFilters"`
	AspectFilters   []string          `json:"aspectFilters"`
	MetadataFilters map[string]string `json:"metadataFilters"`
}

// Encode renders the specification as the repository side indexingFilters JSON document.
// An empty specification encodes to an empty string so callers can omit the parameter.
func (s Specification) Encode() (string, error) {
	if s.IsEmpty() {
		return "", nil
	}
	p := s.Predicates()
	doc := indexingFilters{
		TypeFilters:     orEmpty(p.Types),
		SiteFilters:     orEmpty(p.Sites),
		MimetypeFilters: orEmpty(p.Mimetypes),
		AspectFilters:   orEmpty(p.Aspects),
		MetadataFilters: p.Properties,
	}
	if doc.MetadataFilters == nil {
		doc.MetadataFilters = map[string]string{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
