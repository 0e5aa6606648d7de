package memory

import (
	"context"
	"strings"
	"sync"

	"eliteheat/core"
)

// Directory is an in-memory subject directory keyed by subject id and email.
type Directory struct {
	mu      sync.RWMutex
	aliases map[string]core.SubjectID
}

func NewDirectory() *Directory {
	return &Directory{aliases: map[string]core.SubjectID{}}
}

// Add registers a subject under its id and any additional identifiers.
func (d *Directory) Add(subject core.SubjectID, identifiers ...string) error {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[string(id)] = id
	for _, ident := range identifiers {
		if k := normalize(ident); k != "" {
			d.aliases[k] = id
		}
	}
	return nil
}

func (d *Directory) Resolve(_ context.Context, identifier string) (core.SubjectID, error) {
	k := normalize(identifier)
	if k == "" {
		return "", &core.ValidationError{Field: "subject_id", Reason: "empty identifier"}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.aliases[k]
	if !ok {
		return "", &core.NotFoundError{Kind: "subject", ID: identifier}
	}
	return id, nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
