package environment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"
)

// RecordFileName is the persisted environment record inside the install root.
const RecordFileName = "environment.json"

// RecordSchemaVersion is bumped whenever Record changes incompatibly.
const RecordSchemaVersion = 1

// ErrNoRecord is returned by Store.Load when nothing has been persisted.
var ErrNoRecord = errors.New("no environment record")

// Record is the on-disk form of an Environment.
type Record struct {
	SchemaVersion  int       `json:"schema_version"`
	Root           string    `json:"root"`
	Executable     string    `json:"executable"`
	EngineVersion  string    `json:"engine_version"`
	RuntimeVersion string    `json:"runtime_version"`
	Source         Source    `json:"source"`
	ValidatedAt    time.Time `json:"validated_at"`
}

// RecordOf converts a validated Environment to its record.
func RecordOf(env *Environment) Record {
	return Record{
		SchemaVersion:  RecordSchemaVersion,
		Root:           env.Root,
		Executable:     env.Executable,
		EngineVersion:  env.EngineVersion,
		RuntimeVersion: env.RuntimeVersion,
		Source:         env.Source,
		ValidatedAt:    env.ValidatedAt,
	}
}

// Environment returns the record as an unvalidated Environment; callers
// must revalidate it before use.
func (r Record) Environment() *Environment {
	return &Environment{
		Root:           r.Root,
		Executable:     r.Executable,
		EngineVersion:  r.EngineVersion,
		RuntimeVersion: r.RuntimeVersion,
		Source:         r.Source,
		ValidatedAt:    r.ValidatedAt,
	}
}

// Store persists the environment record under an install root.
//
// Writes are atomic and durable (file sync + rename + dir sync), so a
// crash leaves either the previous record or the new one.
type Store struct {
	installDir string
}

// NewStore creates a Store rooted at installDir.
func NewStore(installDir string) (*Store, error) {
	if strings.TrimSpace(installDir) == "" {
		return nil, errors.New("installDir is required")
	}
	return &Store{installDir: installDir}, nil
}

// Path returns the record file location.
func (s *Store) Path() string {
	return filepath.Join(s.installDir, RecordFileName)
}

// Load reads the persisted record. It returns ErrNoRecord if the file is
// absent or its schema version is not understood.
func (s *Store) Load() (Record, error) {
	var rec Record
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNoRecord
		}
		return Record{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", s.Path(), err)
	}
	if rec.SchemaVersion != RecordSchemaVersion {
		return Record{}, fmt.Errorf("%w: schema version %d", ErrNoRecord, rec.SchemaVersion)
	}
	if rec.Executable == "" {
		return Record{}, fmt.Errorf("%w: empty executable", ErrNoRecord)
	}
	return rec, nil
}

// Save atomically replaces the persisted record.
func (s *Store) Save(rec Record) error {
	rec.SchemaVersion = RecordSchemaVersion
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomicDurable(s.Path(), data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Remove deletes the persisted record if present.
func (s *Store) Remove() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	// Directories cannot be synced on Windows.
	if goruntime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
