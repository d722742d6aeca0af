package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/task"
)

// SpriteSheet stacks icon images vertically into one PNG and writes a
// stylesheet with one selector per icon. Icons named "<name>-hover" become
// ".icon-<name>:hover".
type SpriteSheet struct {
	Fs  afero.Fs
	Src []string
	// ImageDest and ImageName locate the generated sheet.
	ImageDest string
	ImageName string
	// ImageURL is the URL the stylesheet uses for the sheet.
	ImageURL string
	// CSSDest and CSSName locate the generated stylesheet.
	CSSDest  string
	CSSName  string
	Notifier notify.Notifier
}

type sprite struct {
	name string
	img  image.Image
	y    int
}

// Run builds the sheet. Icons that fail to decode are reported and left
// out; the remaining icons are still written.
func (s *SpriteSheet) Run(ctx context.Context) error {
	sources, err := task.ResolveGlobs(s.Fs, s.Src)
	if err != nil {
		return errors.NewFilesystemError("failed to resolve sprite sources", err)
	}

	// The generated sheet may live next to its sources.
	sheetPath := filepath.ToSlash(filepath.Join(s.ImageDest, s.ImageName))

	var (
		sprites   []sprite
		width     int
		height    int
		firstFail *errors.PipelineError
	)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if src == sheetPath {
			continue
		}

		data, err := afero.ReadFile(s.Fs, src)
		if err != nil {
			return errors.NewFilesystemError("failed to read icon", err).WithLocation(src, 0, 0)
		}

		img, err := decodeImage(data)
		if err != nil {
			pe := errors.NewTransformError(errors.ErrCodeCompileFailed, "failed to decode icon", err).
				WithLocation(src, 0, 0)
			if s.Notifier != nil {
				_ = s.Notifier.NotifyError(ctx, pe)
			}
			if firstFail == nil {
				firstFail = pe
			}
			continue
		}

		bounds := img.Bounds()
		sprites = append(sprites, sprite{
			name: strings.TrimSuffix(path.Base(src), path.Ext(src)),
			img:  img,
			y:    height,
		})
		height += bounds.Dy()
		if bounds.Dx() > width {
			width = bounds.Dx()
		}
	}

	if len(sprites) == 0 {
		if firstFail != nil {
			return firstFail
		}
		return nil
	}

	sheet := image.NewNRGBA(image.Rect(0, 0, width, height))
	for _, sp := range sprites {
		b := sp.img.Bounds()
		draw.Draw(sheet, image.Rect(0, sp.y, b.Dx(), sp.y+b.Dy()), sp.img, b.Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(&buf, sheet); err != nil {
		return errors.NewInternalError(errors.ErrCodeInternalError, "failed to encode sprite sheet", err)
	}

	if err := writeFile(s.Fs, filepath.Join(s.ImageDest, s.ImageName), buf.Bytes()); err != nil {
		return err
	}
	if err := writeFile(s.Fs, filepath.Join(s.CSSDest, s.CSSName), s.stylesheet(sprites)); err != nil {
		return err
	}

	if firstFail != nil {
		return firstFail
	}
	return nil
}

func (s *SpriteSheet) stylesheet(sprites []sprite) []byte {
	var b strings.Builder
	b.WriteString("// Generated by sitepipe. Do not edit.\n")
	for _, sp := range sprites {
		bounds := sp.img.Bounds()
		fmt.Fprintf(&b, "\n%s {\n", spriteSelector(sp.name))
		fmt.Fprintf(&b, "  background-image: url(%s);\n", s.ImageURL)
		fmt.Fprintf(&b, "  background-position: 0 %dpx;\n", -sp.y)
		fmt.Fprintf(&b, "  width: %dpx;\n", bounds.Dx())
		fmt.Fprintf(&b, "  height: %dpx;\n", bounds.Dy())
		b.WriteString("}\n")
	}
	return []byte(b.String())
}

// spriteSelector maps an icon name to its CSS selector.
func spriteSelector(name string) string {
	if base, ok := strings.CutSuffix(name, "-hover"); ok {
		return ".icon-" + base + ":hover"
	}
	return ".icon-" + name
}

func writeFile(fsys afero.Fs, name string, data []byte) error {
	if err := fsys.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return errors.NewFilesystemError("failed to create directory", err).WithLocation(name, 0, 0)
	}
	if err := afero.WriteFile(fsys, name, data, 0o644); err != nil {
		return errors.NewFilesystemError("failed to write file", err).WithLocation(name, 0, 0)
	}
	return nil
}
