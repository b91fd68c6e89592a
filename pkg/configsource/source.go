package configsource

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter/helper/url"
)

type InvalidURLError struct {
	err string
}

func (e InvalidURLError) Error() string {
	return e.err
}

// Source is a parsed go-getter URL. A path after "@" selects a file inside
// a fetched directory, e.g.
//
//	git::https://github.com/org/deploy.git@prod/config.yaml?ref=v1
type Source struct {
	Getter, Scheme, User, Host, Dir, File, RawQuery string
	IsFileMode                                      bool
}

func IsRemote(goGetterSrc string) bool {
	if _, err := Parse(goGetterSrc); err != nil {
		return false
	}
	return true
}

func Parse(goGetterSrc string) (*Source, error) {
	items := strings.Split(goGetterSrc, "::")
	var getter string
	switch len(items) {
	case 2:
		getter = items[0]
		goGetterSrc = items[1]
	}

	u, err := url.Parse(goGetterSrc)
	if err != nil {
		return nil, InvalidURLError{err: fmt.Sprintf("parse url: %v", err)}
	}

	// One-letter schemes are Windows drive letters.
	if len(u.Scheme) < 2 {
		return nil, InvalidURLError{err: fmt.Sprintf("parse url: missing scheme - probably this is a local file path? %s", goGetterSrc)}
	}

	var dir, file string
	var filemode bool
	pathComponents := strings.Split(u.Path, "@")
	switch len(pathComponents) {
	case 1:
		dir = u.Path
		file = filepath.Base(u.Path)
		filemode = true
	case 2:
		dir = pathComponents[0]
		file = pathComponents[1]
	default:
		return nil, fmt.Errorf("invalid src format: it must be `[<getter>::]<scheme>://<host>/<path/to/dir>@<path/to/file>?key1=val1&key2=val2: got %s", goGetterSrc)
	}

	return &Source{
		Getter:     getter,
		Scheme:     u.Scheme,
		User:       u.User.String(),
		Host:       u.Host,
		Dir:        dir,
		File:       file,
		RawQuery:   u.RawQuery,
		IsFileMode: filemode,
	}, nil
}

// getterSrc is the URL handed to go-getter, without the "@file" suffix.
func (s *Source) getterSrc() string {
	var src string
	if s.User == "" {
		src = fmt.Sprintf("%s://%s%s", s.Scheme, s.Host, s.Dir)
	} else {
		src = fmt.Sprintf("%s://%s@%s%s", s.Scheme, s.User, s.Host, s.Dir)
	}

	if s.RawQuery != "" {
		src = src + "?" + s.RawQuery
	}

	if s.Getter != "" {
		src = s.Getter + "::" + src
	}

	return src
}
