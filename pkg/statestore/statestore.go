// Package statestore persists the DeploymentState record of one deployment
// target as a single JSON file.
//
// A reader never observes a partially written record: Save writes a sibling
// temporary file, syncs it and renames it over the previous record.
package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/twpayne/go-vfs"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/xeipuuv/gojsonschema"
	"k8s.io/klog/v2"
)

const DefaultFileName = "deployment-state.json"

type stateFile struct {
	SchemaVersion int `json:"schemaVersion"`

	deployapi.DeploymentState
}

// Store reads and writes the state file at Path.
type Store struct {
	Path string

	fs vfs.FS

	Logger logr.Logger

	now    func() time.Time
	schema *gojsonschema.Schema
}

type Option interface {
	SetOption(s *Store) error
}

func FS(fs vfs.FS) Option {
	return &fsOption{f: fs}
}

type fsOption struct {
	f vfs.FS
}

func (o *fsOption) SetOption(s *Store) error {
	s.fs = o.f
	return nil
}

func Logger(logger logr.Logger) Option {
	return &loggerOption{l: logger}
}

type loggerOption struct {
	l logr.Logger
}

func (o *loggerOption) SetOption(s *Store) error {
	s.Logger = o.l
	return nil
}

func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}

	s := &Store{
		Path: path,
		now:  time.Now,
	}

	for _, o := range opts {
		if err := o.SetOption(s); err != nil {
			return nil, err
		}
	}

	if s.fs == nil {
		s.fs = vfs.HostOSFS
	}

	if s.Logger.GetSink() == nil {
		s.Logger = klog.NewKlogr()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(stateSchema))
	if err != nil {
		return nil, fmt.Errorf("compiling state schema: %w", err)
	}
	s.schema = schema

	return s, nil
}

// Load returns the persisted record, or nil when no record exists yet.
// A record that exists but fails structural validation is reported as a
// *deployapi.CorruptStateError.
func (s *Store) Load(_ context.Context) (*deployapi.DeploymentState, error) {
	b, err := s.fs.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.Logger.V(1).Info("state.load", "path", s.Path, "found", false)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", s.Path, err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return nil, s.corrupt("file is empty")
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, s.corrupt(err.Error())
	}
	if !result.Valid() {
		var reasons []string
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return nil, s.corrupt(reasons...)
	}

	var f stateFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, s.corrupt(err.Error())
	}

	s.Logger.V(1).Info("state.load", "path", s.Path, "found", true, "cluster", f.Cluster.ClusterName)

	return &f.DeploymentState, nil
}

func (s *Store) corrupt(reasons ...string) error {
	return &deployapi.CorruptStateError{Path: s.Path, Reasons: reasons}
}

// Save atomically replaces the record. On any error the previous record is
// left in place and the temporary file is removed.
func (s *Store) Save(_ context.Context, state deployapi.DeploymentState) (err error) {
	b, err := json.MarshalIndent(stateFile{SchemaVersion: CurrentSchemaVersion, DeploymentState: state}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(s.Path)
	if err := vfs.MkdirAll(s.fs, dir, 0755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", s.Path, s.now().UnixNano())

	defer func() {
		if err != nil {
			if rmErr := s.fs.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				s.Logger.Error(rmErr, "removing temporary state file", "path", tmp)
			}
		}
	}()

	if err := s.writeSynced(tmp, b); err != nil {
		return fmt.Errorf("writing temporary state file: %w", err)
	}

	if err := s.fs.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replacing state file %s: %w", s.Path, err)
	}

	s.syncDir(dir)

	s.Logger.V(1).Info("state.save", "path", s.Path, "bytes", len(b))

	return nil
}

func (s *Store) writeSynced(path string, b []byte) error {
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// syncDir makes the rename durable where the platform supports it.
func (s *Store) syncDir(dir string) {
	d, err := s.fs.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		s.Logger.V(2).Info("state.syncdir", "dir", dir, "err", err.Error())
	}
}
