// Package file provides file-based persistence implementation for automations and runs.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/autoflow/pkg/persistence"
)

const (
	automationsDir = "automations"
	versionsDir    = "versions"
	triggersDir    = "triggers"
	runsDir        = "runs"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Every document is rewritten as a whole under a single store lock, which makes each
// repository call atomic with respect to the others.
type Persistence struct {
	store          *store
	automationRepo *AutomationRepository
	versionRepo    *VersionRepository
	triggerRepo    *TriggerRepository
	runRepo        *RunRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	s := &store{root: strings.Replace(root, "file://", "", 1)}

	return &Persistence{
		store:          s,
		automationRepo: &AutomationRepository{store: s},
		versionRepo:    &VersionRepository{store: s},
		triggerRepo:    &TriggerRepository{store: s},
		runRepo:        &RunRepository{store: s},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory is usable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(fp.store.root, 0750)
	if err != nil {
		return fmt.Errorf("file persistence root unavailable: %w", err)
	}

	return nil
}

func (fp *Persistence) AutomationRepository() persistence.AutomationRepository {
	return fp.automationRepo
}

func (fp *Persistence) VersionRepository() persistence.VersionRepository {
	return fp.versionRepo
}

func (fp *Persistence) TriggerRepository() persistence.TriggerRepository {
	return fp.triggerRepo
}

func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

type store struct {
	root string
	mu   sync.Mutex
}

// validID rejects identifiers that would escape their directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (s *store) path(kind, id string) string {
	return filepath.Join(s.root, kind, id+".json")
}

// read loads a document, reporting false when it does not exist.
func (s *store) read(kind, id string, target any) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	body, err := os.ReadFile(s.path(kind, id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read %s %s: %w", kind, id, err)
	}

	err = json.Unmarshal(body, target)
	if err != nil {
		return false, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}

	return true, nil
}

// write replaces a document through a temporary file so readers never see a partial write.
func (s *store) write(kind, id string, document any) error {
	if !validID(id) {
		return fmt.Errorf("invalid %s id %q", kind, id)
	}

	err := os.MkdirAll(filepath.Join(s.root, kind), 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}

	target := s.path(kind, id)
	tmp := target + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}

	return os.Rename(tmp, target)
}

func (s *store) remove(kind, id string) error {
	err := os.Remove(s.path(kind, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s %s: %w", kind, id, err)
	}

	return nil
}

// readAll loads every document of a kind.
func readAll[T any](s *store, kind string) ([]*T, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if errors.Is(err, fs.ErrNotExist) {
		return []*T{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	documents := make([]*T, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		document := new(T)

		found, err := s.read(kind, strings.TrimSuffix(name, ".json"), document)
		if err != nil {
			return nil, err
		}

		if found {
			documents = append(documents, document)
		}
	}

	return documents, nil
}
