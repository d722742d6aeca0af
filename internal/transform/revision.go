package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/task"
)

// hashLength is the number of hex digits of the content hash kept in a
// revisioned file name.
const hashLength = 10

// Revisioner renames assets to content-hashed names, writes a manifest
// mapping original to hashed names, and rewrites references in collected
// files.
type Revisioner struct {
	Fs afero.Fs
	// Assets are the globs of files to rename.
	Assets []string
	// Base is stripped from asset paths to form manifest keys.
	Base string
	// Manifest is where the manifest is written.
	Manifest string
	// Collect are the globs of files whose references are rewritten.
	Collect []string
}

// Manifest maps original asset paths to their revisioned paths, both
// relative to the revision base.
type Manifest map[string]string

// Run implements the revision action.
func (r *Revisioner) Run(ctx context.Context) error {
	manifest, err := r.rename(ctx)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.NewInternalError(errors.ErrCodeInternalError, "failed to encode manifest", err)
	}
	if err := writeFile(r.Fs, r.Manifest, append(data, '\n')); err != nil {
		return err
	}

	return r.collect(ctx, manifest)
}

func (r *Revisioner) rename(ctx context.Context) (Manifest, error) {
	assets, err := task.ResolveGlobs(r.Fs, r.Assets)
	if err != nil {
		return nil, errors.NewFilesystemError("failed to resolve assets", err)
	}

	base := filepath.ToSlash(filepath.Clean(r.Base))
	manifest := make(Manifest, len(assets))

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := afero.ReadFile(r.Fs, asset)
		if err != nil {
			return nil, errors.NewFilesystemError("failed to read asset", err).WithLocation(asset, 0, 0)
		}

		hashed := RevisionedName(asset, data)
		if err := writeFile(r.Fs, filepath.FromSlash(hashed), data); err != nil {
			return nil, err
		}
		if err := r.Fs.Remove(asset); err != nil {
			return nil, errors.NewFilesystemError("failed to remove original asset", err).WithLocation(asset, 0, 0)
		}

		manifest[relativeTo(base, asset)] = relativeTo(base, hashed)
	}

	return manifest, nil
}

// collect rewrites manifest keys to their values in every collected file.
func (r *Revisioner) collect(ctx context.Context, manifest Manifest) error {
	if len(manifest) == 0 || len(r.Collect) == 0 {
		return nil
	}

	// Longest keys first so a key that prefixes another is tried after it.
	keys := make([]string, 0, len(manifest))
	for k := range manifest {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	refs := regexp.MustCompile(strings.Join(quoted, "|"))

	files, err := task.ResolveGlobs(r.Fs, r.Collect)
	if err != nil {
		return errors.NewFilesystemError("failed to resolve collected files", err)
	}

	manifestPath := filepath.ToSlash(filepath.Clean(r.Manifest))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f == manifestPath {
			continue
		}

		data, err := afero.ReadFile(r.Fs, f)
		if err != nil {
			return errors.NewFilesystemError("failed to read file", err).WithLocation(f, 0, 0)
		}
		out := rewriteReferences(data, refs, manifest)
		if bytes.Equal(out, data) {
			continue
		}
		if err := afero.WriteFile(r.Fs, f, out, 0o644); err != nil {
			return errors.NewFilesystemError("failed to rewrite references", err).WithLocation(f, 0, 0)
		}
	}

	return nil
}

// rewriteReferences replaces every whole reference to a manifest key. A
// match counts only when it is bounded on both sides by a delimiter, so
// main.css does not rewrite main.css.map or main.css2.
func rewriteReferences(data []byte, refs *regexp.Regexp, manifest Manifest) []byte {
	var out bytes.Buffer
	last := 0
	for _, loc := range refs.FindAllIndex(data, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && !isRefStart(data[start-1]) {
			continue
		}
		if end < len(data) && !isRefEnd(data[end]) {
			continue
		}
		out.Write(data[last:start])
		out.WriteString(manifest[string(data[start:end])])
		last = end
	}
	if last == 0 {
		return data
	}
	out.Write(data[last:])
	return out.Bytes()
}

func isRefStart(c byte) bool {
	return isSpace(c) || strings.IndexByte(`"'(=/,>`, c) >= 0
}

func isRefEnd(c byte) bool {
	return isSpace(c) || strings.IndexByte(`"'),;?#<`, c) >= 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// RevisionedName inserts the content hash of data before the extension of
// name: assets/css/main.css becomes assets/css/main-0123456789.css.
func RevisionedName(name string, data []byte) string {
	digest := xxhash.New()
	_, _ = digest.Write(data)
	sum := fmt.Sprintf("%016x", digest.Sum64())[:hashLength]

	name = filepath.ToSlash(name)
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + sum + ext
}

func relativeTo(base, p string) string {
	if base == "." || base == "" {
		return p
	}
	return strings.TrimPrefix(p, base+"/")
}
