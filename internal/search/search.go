// Package search provides fuzzy lookup over the local mirror, so finding
// records works identically online and offline.
package search

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/sahilm/fuzzy"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/store"
)

// MinQueryLength is the shortest query worth matching. Single characters
// match nearly everything and produce noise.
const MinQueryLength = 2

// fieldWeight biases the ranking toward identifying fields over free text.
type fieldWeight struct {
	field  string
	weight int
}

// searchFields lists, per kind, the text fields indexed for matching.
// Kinds absent here (inventory, loans) are pure join records with no
// human-readable text of their own.
var searchFields = map[entity.Kind][]fieldWeight{
	entity.KindItems:      {{"name", 3}, {"description", 1}, {"notes", 1}},
	entity.KindBorrowers:  {{"name", 3}, {"email", 1}, {"notes", 1}},
	entity.KindContainers: {{"name", 3}, {"description", 1}},
	entity.KindLocations:  {{"name", 3}, {"description", 1}},
	entity.KindCategories: {{"name", 3}},
}

// SearchableKinds returns the kinds that carry indexed text fields.
func SearchableKinds() []entity.Kind {
	kinds := make([]entity.Kind, 0, len(searchFields))
	for _, k := range entity.Kinds() {
		if _, ok := searchFields[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Result is one ranked hit.
type Result struct {
	Entity entity.Kind   `json:"entity"`
	ID     string        `json:"id"`
	Record entity.Record `json:"record"`
	// Field is the field whose text produced the match.
	Field string `json:"field"`
	Score int    `json:"score"`
	// IsPending marks hits sourced from queued creates that have not yet
	// reached the server.
	IsPending bool `json:"isPending,omitempty"`
}

// Searcher runs fuzzy queries against the local mirror, overlaying
// not-yet-synced creates from the mutation queue.
type Searcher struct {
	store  *store.Store
	logger *log.Logger
}

// New creates a searcher over the given store.
func New(st *store.Store, logger *log.Logger) *Searcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[search] ", log.LstdFlags)
	}
	return &Searcher{store: st, logger: logger}
}

// document is one (record, field) pair fed to the matcher.
type document struct {
	result Result
	text   string
	weight int
}

// corpus implements fuzzy.Source.
type corpus []document

func (c corpus) String(i int) string { return c[i].text }
func (c corpus) Len() int            { return len(c) }

// Search matches query against one collection, ranked best first.
// limit <= 0 means unlimited.
func (s *Searcher) Search(ctx context.Context, kind entity.Kind, query string, limit int) ([]Result, error) {
	if len(query) < MinQueryLength {
		return nil, nil
	}
	fields, ok := searchFields[kind]
	if !ok {
		return nil, fmt.Errorf("entity type %q is not searchable", kind)
	}

	records, err := s.store.GetAll(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s for search: %w", kind, err)
	}

	docs := buildDocs(kind, fields, records, false)
	return rank(docs, query, limit), nil
}

// GlobalSearch matches query across every searchable collection. Records
// backed by a create still waiting in the mutation queue are tagged
// IsPending; a queued create appears exactly once whether the optimistic
// mirror write landed or not.
func (s *Searcher) GlobalSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	if len(query) < MinQueryLength {
		return nil, nil
	}

	pendingIDs, overlay, err := s.pendingCreates(ctx)
	if err != nil {
		// Queue trouble should not take search down with it; the mirror
		// results are still correct.
		s.logger.Printf("WARNING: skipping pending overlay: %v", err)
		pendingIDs, overlay = nil, nil
	}

	var docs []document
	mirrored := make(map[string]bool)
	for _, kind := range SearchableKinds() {
		records, err := s.store.GetAll(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s for search: %w", kind, err)
		}
		for _, rec := range records {
			key := string(kind) + "/" + rec.ID()
			mirrored[key] = true
			docs = append(docs, buildDocs(kind, searchFields[kind], []entity.Record{rec}, pendingIDs[key])...)
		}
	}

	// Creates whose optimistic write never reached the mirror are still
	// findable from the queued payload itself.
	for _, doc := range overlay {
		if mirrored[string(doc.result.Entity)+"/"+doc.result.ID] {
			continue
		}
		docs = append(docs, doc)
	}

	return rank(docs, query, limit), nil
}

// pendingCreates reads the queued creates once, returning the set of entity
// keys they target (to tag mirror hits) and overlay documents built from
// their payloads (for creates absent from the mirror).
func (s *Searcher) pendingCreates(ctx context.Context) (map[string]bool, []document, error) {
	entries, err := s.store.MutationsByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, nil, err
	}

	ids := make(map[string]bool)
	var docs []document
	for _, entry := range entries {
		if entry.Operation != entity.OpCreate {
			continue
		}
		fields, ok := searchFields[entry.Entity]
		if !ok {
			continue
		}
		rec := entity.Record(entry.Payload).Clone()
		if rec.ID() == "" {
			rec["id"] = entry.EntityID
		}
		ids[string(entry.Entity)+"/"+rec.ID()] = true
		docs = append(docs, buildDocs(entry.Entity, fields, []entity.Record{rec}, true)...)
	}
	return ids, docs, nil
}

func buildDocs(kind entity.Kind, fields []fieldWeight, records []entity.Record, pending bool) []document {
	var docs []document
	for _, rec := range records {
		for _, fw := range fields {
			text, ok := rec[fw.field].(string)
			if !ok || text == "" {
				continue
			}
			docs = append(docs, document{
				result: Result{
					Entity:    kind,
					ID:        rec.ID(),
					Record:    rec,
					Field:     fw.field,
					IsPending: pending,
				},
				text:   text,
				weight: fw.weight,
			})
		}
	}
	return docs
}

// rank runs the fuzzy matcher and collapses multiple field hits on the
// same record into its single best-scoring one.
func rank(docs []document, query string, limit int) []Result {
	c := corpus(docs)
	matches := fuzzy.FindFrom(query, c)

	best := make(map[string]Result)
	for _, m := range matches {
		doc := c[m.Index]
		r := doc.result
		r.Score = m.Score * doc.weight
		key := string(r.Entity) + "/" + r.ID
		if prev, ok := best[key]; !ok || r.Score > prev.Score {
			best[key] = r
		}
	}

	results := make([]Result, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
