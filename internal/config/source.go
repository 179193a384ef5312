package config

import (
	"strings"

	"github.com/go-ini/ini"
)

// Source is one layer of configuration. Lookup reports whether the layer
// holds a value for key.
type Source interface {
	Name() string
	Lookup(key string) (string, bool)
}

// MapSource serves values from a map. Empty values are treated as unset so
// flags left at their zero value never shadow lower layers.
type MapSource struct {
	name   string
	values map[string]string
}

// NewMapSource creates a MapSource labelled name.
func NewMapSource(name string, values map[string]string) *MapSource {
	return &MapSource{name: name, values: values}
}

func (m *MapSource) Name() string { return m.name }

func (m *MapSource) Lookup(key string) (string, bool) {
	v, ok := m.values[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// SectionSource serves values from a dotted INI section such as "prod.s3".
// When the section is absent its nearest existing parent ("prod") is used, and
// keys missing from a child section fall back to its parents.
type SectionSource struct {
	file    *ini.File
	section string
}

// NewSectionSource creates a SectionSource reading section from file.
func NewSectionSource(file *ini.File, section string) *SectionSource {
	return &SectionSource{file: file, section: section}
}

func (s *SectionSource) Name() string { return "[" + s.section + "]" }

func (s *SectionSource) Lookup(key string) (string, bool) {
	sec := s.nearest()
	if sec == nil {
		return "", false
	}

	k, err := sec.GetKey(key)
	if err != nil {
		return "", false
	}

	v := strings.TrimSpace(k.String())
	if v == "" {
		return "", false
	}
	return v, true
}

func (s *SectionSource) nearest() *ini.Section {
	name := s.section
	for {
		if sec, err := s.file.GetSection(name); err == nil {
			return sec
		}
		i := strings.LastIndex(name, ".")
		if i < 0 {
			return nil
		}
		name = name[:i]
	}
}

// Resolver queries its sources in priority order, first match wins.
type Resolver struct {
	sources []Source
}

// NewResolver creates a Resolver over sources, highest priority first.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// Lookup returns the first value found for key and the name of the source it came from.
func (r *Resolver) Lookup(key string) (value, from string, ok bool) {
	for _, src := range r.sources {
		if v, found := src.Lookup(key); found {
			return v, src.Name(), true
		}
	}
	return "", "", false
}

// Get returns the value for key or an empty string.
func (r *Resolver) Get(key string) string {
	v, _, _ := r.Lookup(key)
	return v
}
