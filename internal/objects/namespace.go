package objects

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/maauso/streetstage-api/internal/storage"
)

// dir is a /<container>/<prefix> directory in the backend.
type dir struct {
	container string
	prefix    string
}

func parseDir(raw string) (dir, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return dir{}, errors.New("directory must name a container")
	}
	container, prefix, _ := strings.Cut(trimmed, "/")
	if !validSegments(container) || (prefix != "" && !validSegments(prefix)) {
		return dir{}, fmt.Errorf("invalid directory %q", raw)
	}
	return dir{container: container, prefix: prefix}, nil
}

func (d dir) location(rel string) storage.Location {
	key := rel
	if d.prefix != "" {
		key = d.prefix + "/" + rel
	}
	return storage.Location{Container: d.container, Key: key}
}

// relative returns the part of key below d, or false.
func (d dir) relative(loc storage.Location) (string, bool) {
	if loc.Container != d.container {
		return "", false
	}
	if d.prefix == "" {
		return loc.Key, loc.Key != ""
	}
	rel, ok := strings.CutPrefix(loc.Key, d.prefix+"/")
	return rel, ok && rel != ""
}

// Namespace maps logical object paths onto backend locations.
type Namespace struct {
	private dir
	public  []dir
}

// NewNamespace parses the private object directory and the public search
// paths, both in /<container>/<prefix> form. Duplicate search paths are
// dropped, keeping the first.
func NewNamespace(privateDir string, publicSearchPaths []string) (*Namespace, error) {
	priv, err := parseDir(privateDir)
	if err != nil {
		return nil, fmt.Errorf("private object dir: %w", err)
	}
	ns := &Namespace{private: priv}
	seen := make(map[dir]bool)
	for _, raw := range publicSearchPaths {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := parseDir(raw)
		if err != nil {
			return nil, fmt.Errorf("public search path: %w", err)
		}
		if !seen[d] {
			seen[d] = true
			ns.public = append(ns.public, d)
		}
	}
	return ns, nil
}

// Resolve maps /objects/<id...> to its backend location. Anything else,
// including empty, "." and ".." segments, is ErrNotFound.
func (n *Namespace) Resolve(logicalPath string) (id string, loc storage.Location, err error) {
	id, ok := strings.CutPrefix(logicalPath, logicalPrefix)
	if !ok || !validSegments(id) {
		return "", storage.Location{}, ErrNotFound
	}
	return id, n.private.location(id), nil
}

// UploadLocation is where a fresh upload with objectID is written.
func (n *Namespace) UploadLocation(objectID string) storage.Location {
	return n.private.location("uploads/" + objectID)
}

// LogicalPath returns the /objects/... path for a location in the private
// directory, or false when loc lies elsewhere.
func (n *Namespace) LogicalPath(loc storage.Location) (string, bool) {
	rel, ok := n.private.relative(loc)
	if !ok {
		return "", false
	}
	return logicalPrefix + rel, true
}

// Normalize maps a raw upload or object URL back to its logical path.
//
// Accepted inputs are a logical path (returned unchanged), a local signed
// upload URL, and path-style or virtual-hosted object URLs. Query strings
// are ignored. A URL outside the private directory comes back as its bare
// path, which Resolve then rejects.
func (n *Namespace) Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, logicalPrefix) {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	var loc storage.Location
	switch {
	case u.Path == storage.UploadPath:
		q := u.Query()
		loc = storage.Location{Container: q.Get("c"), Key: q.Get("k")}
	case strings.HasPrefix(u.Host, n.private.container+"."):
		loc = storage.Location{Container: n.private.container, Key: strings.TrimPrefix(u.Path, "/")}
	default:
		container, key, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		loc = storage.Location{Container: container, Key: key}
	}

	if logical, ok := n.LogicalPath(loc); ok {
		return logical
	}
	return u.Path
}

// PublicLocations lists the candidate locations for filePath across the
// public search paths, in configured order.
func (n *Namespace) PublicLocations(filePath string) []storage.Location {
	filePath = strings.TrimPrefix(filePath, "/")
	if !validSegments(filePath) {
		return nil
	}
	locs := make([]storage.Location, 0, len(n.public))
	for _, d := range n.public {
		locs = append(locs, d.location(filePath))
	}
	return locs
}

// validSegments reports whether p is a non-empty slash-separated path with
// no empty, "." or ".." segments.
func validSegments(p string) bool {
	if p == "" || strings.Contains(p, `\`) {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
