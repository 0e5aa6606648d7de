// Package jsonfile stores scores and the audit log in one JSON file.
//
// A single store-wide mutex is held across every file write, so updates to
// different subjects wait on each other. Use it for demos and single-instance
// setups; the memory, redis and sqlx stores keep subjects independent.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"eliteheat/core"
)

// Store persists every score record and log entry to a single JSON file.
// Suitable for demos and small deployments. Each commit rewrites the file
// through a temp file and rename, so a crash leaves either the old or the new state.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	data map[core.SubjectID]*subjectDoc
}

type subjectDoc struct {
	Record  core.ScoreRecord `json:"record"`
	Entries []core.LogEntry  `json:"entries"`
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: map[core.SubjectID]*subjectDoc{}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw map[string]*subjectDoc
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		s.data[core.SubjectID(k)] = v
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	raw := make(map[string]*subjectDoc, len(s.data))
	for k, v := range s.data {
		raw[string(k)] = v
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Get(_ context.Context, subject core.SubjectID) (core.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.data[subject]; ok {
		return doc.Record, nil
	}
	return core.ScoreRecord{SubjectID: subject}, nil
}

func (s *Store) Update(ctx context.Context, subject core.SubjectID, key string, fn core.Mutation) (core.Commit, error) {
	if err := ctx.Err(); err != nil {
		return core.Commit{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[subject]
	current := core.ScoreRecord{SubjectID: subject}
	if ok {
		current = doc.Record
		if key != "" {
			for _, e := range doc.Entries {
				if e.IdempotencyKey == key {
					return core.Commit{Record: doc.Record, Entry: e, Replayed: true}, nil
				}
			}
		}
	}
	next, entry, err := fn(current)
	if err != nil {
		return core.Commit{}, err
	}
	next.SubjectID = subject
	entry.SubjectID = subject
	entry.IdempotencyKey = key

	updated := &subjectDoc{Record: next}
	if ok {
		updated.Entries = append(updated.Entries, doc.Entries...)
	}
	updated.Entries = append(updated.Entries, entry)
	s.data[subject] = updated
	if err := s.persist(); err != nil {
		// roll the cache back so memory never runs ahead of disk
		if ok {
			s.data[subject] = doc
		} else {
			delete(s.data, subject)
		}
		return core.Commit{}, err
	}
	return core.Commit{Record: next, Entry: entry}, nil
}

func (s *Store) Entries(_ context.Context, subject core.SubjectID) ([]core.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[subject]
	if !ok {
		return []core.LogEntry{}, nil
	}
	out := make([]core.LogEntry, len(doc.Entries))
	copy(out, doc.Entries)
	return out, nil
}

// Records returns all stored records ordered by subject id.
func (s *Store) Records(_ context.Context) ([]core.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ScoreRecord, 0, len(s.data))
	for _, doc := range s.data {
		out = append(out, doc.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}
