package transform

import (
	"context"
	"encoding/base64"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/task"
)

var cssURL = regexp.MustCompile(`url\(\s*(['"]?)([^'")\s]+)(['"]?)\s*\)`)

// DataURIInliner replaces url() references in CSS with base64 data URIs
// when the referenced image is small enough.
type DataURIInliner struct {
	Fs afero.Fs
	// BaseDir resolves root-relative references such as /assets/a.png.
	BaseDir string
	// Extensions lists the image extensions to inline, without the dot.
	Extensions []string
	// MaxSize is the largest image, in bytes, that is inlined.
	MaxSize int
	Logger  logging.Logger
}

// Process implements task.Stage.
func (d *DataURIInliner) Process(ctx context.Context, file *task.File) error {
	if file.Ext() != ".css" {
		return nil
	}

	var replaced int
	file.Contents = cssURL.ReplaceAllFunc(file.Contents, func(match []byte) []byte {
		sub := cssURL.FindSubmatch(match)
		if sub == nil || string(sub[1]) != string(sub[3]) {
			return match
		}

		ref := string(sub[2])
		uri, ok := d.dataURI(file.Source, ref)
		if !ok {
			return match
		}
		replaced++
		return []byte(`url("` + uri + `")`)
	})

	if replaced > 0 && d.Logger != nil {
		d.Logger.Debug(ctx, "Inlined images", "file", file.Source, "count", replaced)
	}
	return nil
}

// dataURI loads ref and encodes it, reporting false when the reference is
// remote, filtered out, missing or too large.
func (d *DataURIInliner) dataURI(cssPath, ref string) (string, bool) {
	if strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") || strings.HasPrefix(ref, "//") {
		return "", false
	}

	// Drop query strings and fragments.
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(ref)), ".")
	if !d.allowed(ext) {
		return "", false
	}

	var target string
	if strings.HasPrefix(ref, "/") {
		target = filepath.Join(d.BaseDir, filepath.FromSlash(ref))
	} else {
		target = filepath.Join(filepath.Dir(cssPath), filepath.FromSlash(ref))
	}

	info, err := d.Fs.Stat(target)
	if err != nil || info.IsDir() {
		return "", false
	}
	if d.MaxSize > 0 && info.Size() > int64(d.MaxSize) {
		return "", false
	}

	data, err := afero.ReadFile(d.Fs, target)
	if err != nil {
		return "", false
	}

	mediaType := mime.TypeByExtension("." + ext)
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}

	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), true
}

func (d *DataURIInliner) allowed(ext string) bool {
	if len(d.Extensions) == 0 {
		return true
	}
	for _, e := range d.Extensions {
		if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
			return true
		}
	}
	return false
}
