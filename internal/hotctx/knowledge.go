package hotctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one item of assistant knowledge: a named thing the user may
// mention, plus the facts the assistant should know about it.
type Entry struct {
	// ID uniquely identifies the entry. Defaults to the lower-cased name.
	ID string `yaml:"id"`

	// Name is the canonical name matched against transcripts.
	Name string `yaml:"name"`

	// Aliases are additional names matched against transcripts.
	Aliases []string `yaml:"aliases"`

	// Type is a free-form category such as "place" or "product".
	Type string `yaml:"type"`

	// Attributes are rendered as "key: value" lines.
	Attributes map[string]string `yaml:"attributes"`

	// Facts are rendered as bullet points.
	Facts []string `yaml:"facts"`
}

// KnowledgeBase is the lookup surface the [PreFetcher] reads from.
type KnowledgeBase interface {
	// Entries returns every entry.
	Entries(ctx context.Context) ([]Entry, error)

	// Entry returns the entry with the given ID, or nil if none exists.
	Entry(ctx context.Context, id string) (*Entry, error)
}

// knowledgeFile is the on-disk layout of a knowledge file.
type knowledgeFile struct {
	Entries []Entry `yaml:"entries"`
}

// Store is an in-memory [KnowledgeBase]. It is immutable after construction
// and safe for concurrent use.
type Store struct {
	entries []Entry
	byID    map[string]int
}

var _ KnowledgeBase = (*Store)(nil)

// NewStore validates entries and returns a [Store]. Entries without an ID
// get the lower-cased name as ID. Empty names and duplicate IDs are errors.
func NewStore(entries []Entry) (*Store, error) {
	s := &Store{
		entries: make([]Entry, 0, len(entries)),
		byID:    make(map[string]int, len(entries)),
	}
	var errs []error
	for i, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entries[%d]: name is required", i))
			continue
		}
		if e.ID == "" {
			e.ID = strings.ToLower(e.Name)
		}
		if _, dup := s.byID[e.ID]; dup {
			errs = append(errs, fmt.Errorf("entries[%d]: duplicate id %q", i, e.ID))
			continue
		}
		s.byID[e.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}
	return s, nil
}

// LoadKnowledgeFile reads a YAML knowledge file from path.
func LoadKnowledgeFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseKnowledge(f)
}

// ParseKnowledge decodes a YAML knowledge document of the form
//
//	entries:
//	  - name: Central Station
//	    aliases: [main station]
//	    facts: ["Trains to the airport leave every 15 minutes."]
//
// Unknown fields are rejected.
func ParseKnowledge(r io.Reader) (*Store, error) {
	var kf knowledgeFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&kf); err != nil {
		if errors.Is(err, io.EOF) {
			return NewStore(nil)
		}
		return nil, fmt.Errorf("knowledge: decode yaml: %w", err)
	}
	return NewStore(kf.Entries)
}

// Entries implements [KnowledgeBase].
func (s *Store) Entries(_ context.Context) ([]Entry, error) {
	return slices.Clone(s.entries), nil
}

// Entry implements [KnowledgeBase].
func (s *Store) Entry(_ context.Context, id string) (*Entry, error) {
	i, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	e := s.entries[i]
	return &e, nil
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }
