// Package configsource reads the deployment configuration and the image
// pointer file from a local path or from any go-getter URL.
package configsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-getter"
	"github.com/twpayne/go-vfs"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Loader fetches documents. Remote documents are downloaded into a fresh
// directory under Home on every read and removed afterwards, so a changed
// remote config is never shadowed by an old copy.
type Loader struct {
	Logger logr.Logger

	// Home is the directory remote documents are downloaded into.
	Home string

	// GoGetterHome is the working directory to be used by go-getter for downloading.
	// This differs from Home only when testing with go-vfs/vfst
	GoGetterHome string

	// Getter is the underlying implementation of getter used for fetching remote files
	Getter Getter

	fs  vfs.FS
	now func() time.Time
}

type Option interface {
	SetOption(*Loader) error
}

func Home(dir string) Option {
	return &homeOption{d: dir}
}

type homeOption struct {
	d string
}

func (s *homeOption) SetOption(l *Loader) error {
	l.Home = s.d
	return nil
}

func GoGetterHome(dir string) Option {
	return &goGetterHomeOption{d: dir}
}

type goGetterHomeOption struct {
	d string
}

func (s *goGetterHomeOption) SetOption(l *Loader) error {
	l.GoGetterHome = s.d
	return nil
}

func Logger(logger logr.Logger) Option {
	return &loggerOption{l: logger}
}

type loggerOption struct {
	l logr.Logger
}

func (s *loggerOption) SetOption(l *Loader) error {
	l.Logger = s.l
	return nil
}

func FS(fs vfs.FS) Option {
	return &fsOption{f: fs}
}

type fsOption struct {
	f vfs.FS
}

func (s *fsOption) SetOption(l *Loader) error {
	l.fs = s.f
	return nil
}

func New(opts ...Option) (*Loader, error) {
	l := &Loader{now: time.Now}

	for _, o := range opts {
		if err := o.SetOption(l); err != nil {
			return nil, err
		}
	}

	if l.Home == "" {
		l.Home = filepath.Join(os.TempDir(), "inferdeploy", "sources")
	}

	if l.GoGetterHome == "" {
		l.GoGetterHome = l.Home
	}

	if l.Logger.GetSink() == nil {
		l.Logger = klog.NewKlogr()
	}

	if l.fs == nil {
		l.fs = vfs.HostOSFS
	}

	if l.Getter == nil {
		l.Getter = &GoGetter{Logger: l.Logger}
	}

	return l, nil
}

// ReadFile returns the contents of a local path or a go-getter URL.
func (l *Loader) ReadFile(ctx context.Context, src string) ([]byte, error) {
	u, err := Parse(src)
	var invalid InvalidURLError
	if errors.As(err, &invalid) {
		b, err := l.fs.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return b, nil
	}
	if err != nil {
		return nil, err
	}

	replacer := strings.NewReplacer(":", "", "//", "_", "/", "_", ".", "_", "&", "_", "?", ".")
	dstDir := fmt.Sprintf("%s.%d", replacer.Replace(u.getterSrc()), l.now().UnixNano())
	localDir := filepath.Join(l.Home, dstDir)

	// go-getter silently fails when the destination directory already exists.
	// So we create directories down to the parent directory of the target.
	if err := vfs.MkdirAll(l.fs, l.Home, 0755); err != nil {
		return nil, err
	}
	defer func() {
		if err := l.fs.RemoveAll(localDir); err != nil {
			l.Logger.Error(err, "removing downloaded source", "dir", localDir)
		}
	}()

	getterDst := dstDir
	if u.IsFileMode {
		getterDst = filepath.Join(dstDir, u.File)
	}

	l.Logger.V(1).Info("downloading", "src", u.getterSrc(), "dst", getterDst, "filemode", u.IsFileMode)

	if err := l.Getter.Get(ctx, l.GoGetterHome, u.getterSrc(), getterDst, u.IsFileMode); err != nil {
		return nil, err
	}

	b, err := l.fs.ReadFile(filepath.Join(localDir, u.File))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return b, nil
}

// Unmarshal decodes the document at src into dst, as JSON when src ends in
// .json and as YAML otherwise. Unknown fields are rejected.
func (l *Loader) Unmarshal(ctx context.Context, src string, dst interface{}) error {
	b, err := l.ReadFile(ctx, src)
	if err != nil {
		return err
	}

	return l.decode(src, b, dst)
}

func (l *Loader) decode(src string, b []byte, dst interface{}) error {
	strs := strings.Split(strings.SplitN(src, "?", 2)[0], "/")
	file := strs[len(strs)-1]

	if filepath.Ext(file) == ".json" {
		return l.decodeJSON(src, b, dst)
	}

	return l.decodeYAML(src, b, dst)
}

// decodeJSON converts the JSON document to YAML and decodes that, so JSON
// and YAML documents accept the same values (durations such as "30m"
// included) and reject the same unknown fields.
func (l *Loader) decodeJSON(src string, b []byte, dst interface{}) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decoding %s: %w", src, err)
	}

	y, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", src, err)
	}

	return l.decodeYAML(src, y, dst)
}

func (l *Loader) decodeYAML(src string, b []byte, dst interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s: %w", src, err)
	}

	l.Logger.V(2).Info("unmarshalled", "src", src, "dst", dst)

	return nil
}

type Getter interface {
	Get(ctx context.Context, wd, src, dst string, fileMode bool) error
}

type GoGetter struct {
	Logger logr.Logger
}

func (g *GoGetter) Get(ctx context.Context, wd, src, dst string, fileMode bool) error {
	get := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     filepath.Join(wd, dst),
		Pwd:     wd,
		Mode:    getter.ClientModeDir,
		Options: []getter.ClientOption{},
	}

	if fileMode {
		get.Mode = getter.ClientModeFile
	}

	g.Logger.V(1).Info("get", "wd", wd, "src", src, "dst", dst, "filemode", fileMode)

	if err := get.Get(); err != nil {
		return fmt.Errorf("get: %w", err)
	}

	return nil
}
