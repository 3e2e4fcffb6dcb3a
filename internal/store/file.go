package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// fileSchemaVersion is bumped when the on-disk record envelope changes
	fileSchemaVersion = 1
)

// fileStore implements Store on the local filesystem, one JSON document per
// collection. Writes go through a temporary file and an atomic rename so a
// crash never leaves a half-written collection.
type fileStore struct {
	basePath string
	quota    int64

	mu sync.Mutex
}

// fileRecord is the on-disk form of a Record.
type fileRecord struct {
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// fileCollection is the on-disk form of a whole collection.
type fileCollection struct {
	Version int                   `json:"version"`
	Records map[string]fileRecord `json:"records"`
}

// NewFileStore creates a file-backed store rooted at basePath. quota is the
// advisory storage quota in bytes; 0 means unknown.
func NewFileStore(basePath string, quota int64) (Store, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &fileStore{
		basePath: basePath,
		quota:    quota,
	}, nil
}

func (f *fileStore) collectionPath(c Collection) string {
	return filepath.Join(f.basePath, string(c)+".json")
}

// load reads a collection document. A missing file is an empty collection.
func (f *fileStore) load(c Collection) (*fileCollection, error) {
	// #nosec G304 -- path is constructed from the trusted base path and a validated collection name
	data, err := os.ReadFile(f.collectionPath(c))
	if err != nil {
		if os.IsNotExist(err) {
			return &fileCollection{Version: fileSchemaVersion, Records: make(map[string]fileRecord)}, nil
		}
		return nil, fmt.Errorf("failed to read collection %q: %w", c, err)
	}

	var doc fileCollection
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection %q: %w", c, err)
	}
	if doc.Version > fileSchemaVersion {
		return nil, fmt.Errorf("collection %q has schema version %d, newer than supported version %d", c, doc.Version, fileSchemaVersion)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]fileRecord)
	}
	return &doc, nil
}

// save writes a collection document atomically (tmp file + rename).
func (f *fileStore) save(c Collection, doc *fileCollection) error {
	doc.Version = fileSchemaVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal collection %q: %w", c, err)
	}

	path := f.collectionPath(c)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file for collection %q: %w", c, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename collection file %q: %w", c, err)
	}
	return nil
}

func (f *fileStore) GetAll(_ context.Context, c Collection) ([]Record, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(c)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(doc.Records))
	for key, rec := range doc.Records {
		records = append(records, Record{
			Key:       key,
			Value:     rec.Value,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		}
		return records[i].Key < records[j].Key
	})
	return records, nil
}

func (f *fileStore) Put(_ context.Context, c Collection, key string, value []byte) error {
	if err := validCollection(c); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(c)
	if err != nil {
		return err
	}
	doc.Records[key] = fileRecord{
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return f.save(c, doc)
}

func (f *fileStore) Delete(_ context.Context, c Collection, key string) error {
	if err := validCollection(c); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(c)
	if err != nil {
		return err
	}
	if _, ok := doc.Records[key]; !ok {
		return nil
	}
	delete(doc.Records, key)
	return f.save(c, doc)
}

func (f *fileStore) Clear(_ context.Context, c Collection) error {
	if err := validCollection(c); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.collectionPath(c))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear collection %q: %w", c, err)
	}
	return nil
}

func (f *fileStore) Usage(_ context.Context) (Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var used int64
	for _, c := range Collections() {
		info, err := os.Stat(f.collectionPath(c))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Usage{}, fmt.Errorf("failed to stat collection %q: %w", c, err)
		}
		used += info.Size()
	}
	return Usage{Used: used, Quota: f.quota}, nil
}

func (*fileStore) Close() error {
	return nil
}
