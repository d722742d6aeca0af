package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/bep/godartsass/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/task"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, (&png.Encoder{CompressionLevel: png.NoCompression}).Encode(&buf, img))
	return buf.Bytes()
}

func notifyCounter(fn func()) notify.Notifier {
	return notify.Func(func(context.Context, *errors.PipelineError) error {
		fn()
		return nil
	})
}

func TestSassDropsPartialsAndPassesCSS(t *testing.T) {
	called := false
	s := &Sass{Compiler: SassFunc(func(args godartsass.Args) (godartsass.Result, error) {
		called = true
		return godartsass.Result{}, nil
	})}

	partial := &task.File{Source: "app/sass/_vars.scss", Path: "_vars.scss"}
	assert.ErrorIs(t, s.Process(context.Background(), partial), task.ErrDropFile)

	plain := &task.File{Source: "app/sass/reset.css", Path: "reset.css", Contents: []byte("a{}")}
	require.NoError(t, s.Process(context.Background(), plain))
	assert.Equal(t, "a{}", string(plain.Contents))
	assert.False(t, called)
}

func TestSassCompiles(t *testing.T) {
	var got godartsass.Args
	s := &Sass{
		LoadPaths:  []string{"app/assets/sass/vendor"},
		SourceMaps: true,
		Compiler: SassFunc(func(args godartsass.Args) (godartsass.Result, error) {
			got = args
			return godartsass.Result{CSS: "body {\n  color: red;\n}", SourceMap: `{"version":3}`}, nil
		}),
	}

	file := &task.File{Source: "app/assets/sass/main.sass", Path: "main.sass", Contents: []byte("body\n  color: red")}
	require.NoError(t, s.Process(context.Background(), file))

	assert.Equal(t, "body\n  color: red", got.Source)
	assert.Equal(t, godartsass.SourceSyntaxSASS, got.SourceSyntax)
	assert.Equal(t, godartsass.OutputStyleExpanded, got.OutputStyle)
	assert.Equal(t, []string{"app/assets/sass", "app/assets/sass/vendor"}, got.IncludePaths)
	assert.True(t, strings.HasPrefix(got.URL, "file:///"))
	assert.True(t, strings.HasSuffix(got.URL, "/app/assets/sass/main.sass"))
	assert.True(t, got.EnableSourceMap)

	assert.Equal(t, "main.css", file.Path)
	assert.Contains(t, string(file.Contents), "color: red")
	assert.Contains(t, string(file.Contents), "sourceMappingURL=data:application/json;base64,"+
		base64.StdEncoding.EncodeToString([]byte(`{"version":3}`)))
}

func TestSassCompressed(t *testing.T) {
	var got godartsass.Args
	s := &Sass{
		Compressed: true,
		Compiler: SassFunc(func(args godartsass.Args) (godartsass.Result, error) {
			got = args
			return godartsass.Result{CSS: "a{b:c}"}, nil
		}),
	}

	file := &task.File{Source: "app/assets/sass/main.scss", Path: "main.scss", Contents: []byte("a{b:c}")}
	require.NoError(t, s.Process(context.Background(), file))
	assert.Equal(t, godartsass.SourceSyntaxSCSS, got.SourceSyntax)
	assert.Equal(t, godartsass.OutputStyleCompressed, got.OutputStyle)
	assert.False(t, got.EnableSourceMap)
	assert.Equal(t, "a{b:c}", string(file.Contents))
}

func TestSassCompileError(t *testing.T) {
	source := "$red: red;\n\nbody {\n  color: $blue;\n}\n"
	s := &Sass{Compiler: SassFunc(func(args godartsass.Args) (godartsass.Result, error) {
		var sassErr godartsass.SassError
		sassErr.Message = "Undefined variable."
		sassErr.Span.Url = args.URL
		sassErr.Span.Start.Offset = strings.Index(args.Source, "$blue")
		sassErr.Span.Start.Column = 9
		return godartsass.Result{}, sassErr
	})}

	file := &task.File{Source: "app/assets/sass/main.scss", Path: "main.scss", Contents: []byte(source)}
	err := s.Process(context.Background(), file)
	require.Error(t, err)

	var pe *errors.PipelineError
	require.True(t, stderrors.As(err, &pe))
	assert.True(t, pe.Recoverable)
	assert.Equal(t, "Undefined variable.", pe.Message)
	assert.Equal(t, "app/assets/sass/main.scss", pe.FilePath)
	assert.Equal(t, 4, pe.Line)
	assert.Equal(t, 10, pe.Column)
}

func TestSassMissingCompilerIsFatal(t *testing.T) {
	s := &Sass{Compiler: SassFunc(func(args godartsass.Args) (godartsass.Result, error) {
		return godartsass.Result{}, stderrors.New(`exec: "sass": executable file not found in $PATH`)
	})}

	err := s.Process(context.Background(), &task.File{Source: "a.scss", Path: "a.scss"})
	require.Error(t, err)
	assert.False(t, errors.IsRecoverable(err))
}

func TestSassCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := &Sass{Compiler: SassFunc(func(args godartsass.Args) (godartsass.Result, error) {
		<-release
		return godartsass.Result{}, nil
	})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Process(ctx, &task.File{Source: "a.scss", Path: "a.scss"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewDartSassDefaults(t *testing.T) {
	d := NewDartSass("", nil)
	assert.Equal(t, "sass", d.binary)
	assert.NoError(t, d.Close())
}

func TestPrefixer(t *testing.T) {
	p := NewPrefixer(map[string]string{"safari": "6", "chrome": "20", "netscape": "4"}, false)
	assert.Len(t, p.engines, 2)

	file := &task.File{Source: "main.css", Path: "main.css", Contents: []byte("a { user-select: none }")}
	require.NoError(t, p.Process(context.Background(), file))
	assert.Contains(t, string(file.Contents), "-webkit-user-select")

	js := &task.File{Path: "a.js", Contents: []byte("x")}
	require.NoError(t, p.Process(context.Background(), js))
	assert.Equal(t, "x", string(js.Contents))
}

func TestMinifier(t *testing.T) {
	m := NewMinifier(true)

	css := &task.File{Path: "main.css", Contents: []byte("body {  color : red ;  }\n")}
	require.NoError(t, m.Process(context.Background(), css))
	assert.Equal(t, "body{color:red}", string(css.Contents))

	js := &task.File{Path: "a.js", Contents: []byte("var answer = 40 + 2 ;\n\n")}
	require.NoError(t, m.Process(context.Background(), js))
	assert.Less(t, len(js.Contents), len("var answer = 40 + 2 ;\n\n"))

	html := &task.File{Path: "index.html", Contents: []byte("<html><body><p>  hello    world  </p></body></html>")}
	require.NoError(t, m.Process(context.Background(), html))
	assert.Contains(t, string(html.Contents), "hello world")

	font := &task.File{Path: "a.woff", Contents: []byte("  raw  ")}
	require.NoError(t, m.Process(context.Background(), font))
	assert.Equal(t, "  raw  ", string(font.Contents))
}

func TestJSLint(t *testing.T) {
	var lint JSLint

	valid := &task.File{Source: "app/assets/js/global.js", Path: "global.js", Contents: []byte("const add = (a, b) => a + b;\nexport default add;\n")}
	assert.ErrorIs(t, lint.Process(context.Background(), valid), task.ErrDropFile)

	other := &task.File{Source: "app/assets/js/view.hbs", Path: "view.hbs", Contents: []byte("{{ title }")}
	assert.ErrorIs(t, lint.Process(context.Background(), other), task.ErrDropFile)

	broken := &task.File{Source: "app/assets/js/home-page.js", Path: "home-page.js", Contents: []byte("var ok = 1;\nvar x = ;\n")}
	err := lint.Process(context.Background(), broken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, task.ErrDropFile)

	var pe *errors.PipelineError
	require.True(t, stderrors.As(err, &pe))
	assert.True(t, pe.Recoverable)
	assert.Equal(t, errors.ErrCodeCompileFailed, pe.Code)
	assert.Equal(t, "app/assets/js/home-page.js", pe.FilePath)
	assert.Equal(t, 2, pe.Line)
	assert.Positive(t, pe.Column)
}

func TestImageOptimizerKeepsSmaller(t *testing.T) {
	raw := pngBytes(t, 64, 64, color.NRGBA{R: 255, A: 255})
	o := &ImageOptimizer{Level: 3}

	file := &task.File{Source: "logo.png", Path: "logo.png", Contents: raw}
	require.NoError(t, o.Process(context.Background(), file))
	assert.Less(t, len(file.Contents), len(raw))

	_, err := png.Decode(bytes.NewReader(file.Contents))
	assert.NoError(t, err)

	jpg := &task.File{Path: "a.jpg", Contents: []byte("not decoded")}
	require.NoError(t, o.Process(context.Background(), jpg))

	broken := &task.File{Source: "bad.png", Path: "bad.png", Contents: []byte("nope")}
	err = o.Process(context.Background(), broken)
	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
}

func TestDataURIInliner(t *testing.T) {
	fs := afero.NewMemMapFs()
	small := pngBytes(t, 2, 2, color.Black)
	require.NoError(t, afero.WriteFile(fs, "build/assets/images/dot.png", small, 0o644))
	require.NoError(t, afero.WriteFile(fs, "build/assets/images/big.png", make([]byte, 30*1024), 0o644))
	require.NoError(t, afero.WriteFile(fs, "build/assets/images/icon.gif", []byte("GIF89a"), 0o644))

	inliner := &DataURIInliner{
		Fs:         fs,
		BaseDir:    "build",
		Extensions: []string{"png"},
		MaxSize:    20 * 1024,
	}

	css := `.a{background:url(/assets/images/dot.png)}
.b{background:url("../images/dot.png?v=2")}
.c{background:url('/assets/images/big.png')}
.d{background:url(/assets/images/icon.gif)}
.e{background:url(https://cdn.example.com/x.png)}
.f{background:url(/assets/images/missing.png)}`

	file := &task.File{Source: "build/assets/css/main.css", Path: "main.css", Contents: []byte(css)}
	require.NoError(t, inliner.Process(context.Background(), file))

	out := string(file.Contents)
	encoded := base64.StdEncoding.EncodeToString(small)
	assert.Equal(t, 2, strings.Count(out, `url("data:image/png;base64,`+encoded+`")`))
	assert.Contains(t, out, `url('/assets/images/big.png')`)
	assert.Contains(t, out, `url(/assets/images/icon.gif)`)
	assert.Contains(t, out, `url(https://cdn.example.com/x.png)`)
	assert.Contains(t, out, `url(/assets/images/missing.png)`)
}

func TestSpriteSheet(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "app/assets/images/sprites/icon/home.png", pngBytes(t, 16, 16, color.White), 0o644))
	require.NoError(t, afero.WriteFile(fs, "app/assets/images/sprites/icon/home-hover.png", pngBytes(t, 16, 16, color.Black), 0o644))
	require.NoError(t, afero.WriteFile(fs, "app/assets/images/sprites/icon/wide.png", pngBytes(t, 32, 8, color.White), 0o644))
	require.NoError(t, afero.WriteFile(fs, "app/assets/images/sprites/icon/broken.png", []byte("nope"), 0o644))

	var notified int
	sheet := &SpriteSheet{
		Fs:        fs,
		Src:       []string{"app/assets/images/sprites/icon/*.png"},
		ImageDest: "app/assets/images/sprites",
		ImageName: "icon-sprite.png",
		ImageURL:  "/assets/images/sprites/icon-sprite.png",
		CSSDest:   "app/assets/sass/base",
		CSSName:   "_sprites.scss",
		Notifier:  notifyCounter(func() { notified++ }),
	}

	err := sheet.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
	assert.Equal(t, 1, notified)

	data, err := afero.ReadFile(fs, "app/assets/images/sprites/icon-sprite.png")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())

	scss, err := afero.ReadFile(fs, "app/assets/sass/base/_sprites.scss")
	require.NoError(t, err)
	out := string(scss)
	assert.Contains(t, out, ".icon-home:hover {")
	assert.Contains(t, out, ".icon-home {")
	assert.Contains(t, out, ".icon-wide {")
	assert.Contains(t, out, "background-position: 0 -32px;")
	assert.Contains(t, out, "url(/assets/images/sprites/icon-sprite.png)")
}

func TestSpriteSelector(t *testing.T) {
	assert.Equal(t, ".icon-home", spriteSelector("home"))
	assert.Equal(t, ".icon-home:hover", spriteSelector("home-hover"))
	assert.Equal(t, ".icon-hover-card", spriteSelector("hover-card"))
}

func TestRevisioner(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"build/production/assets/css/main.css":    `body{background:url(/assets/images/logo.png)}`,
		"build/production/assets/js/global.js":    `console.log(1)`,
		"build/production/assets/images/logo.png": "png",
		"build/production/index.html":             `<link href="/assets/css/main.css"><script src="/assets/js/global.js"></script>`,
		"build/production/feed.xml":               `<link>/assets/css/main.css</link>`,
	}
	for name, contents := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(contents), 0o644))
	}

	rev := &Revisioner{
		Fs: fs,
		Assets: []string{
			"build/production/assets/css/*.css",
			"build/production/assets/js/**/*.js",
			"build/production/assets/images/**/*",
		},
		Base:     "build/production",
		Manifest: "build/production/assets/manifest.json",
		Collect: []string{
			"build/production/**/*.{html,xml,txt,json,css,js}",
			"!build/production/feed.xml",
		},
	}
	require.NoError(t, rev.Run(context.Background()))

	data, err := afero.ReadFile(fs, "build/production/assets/manifest.json")
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	require.Len(t, manifest, 3)

	hashedCSS := manifest["assets/css/main.css"]
	assert.Equal(t, RevisionedName("assets/css/main.css", []byte(files["build/production/assets/css/main.css"])), hashedCSS)
	assert.Regexp(t, `^assets/css/main-[0-9a-f]{10}\.css$`, hashedCSS)

	exists, _ := afero.Exists(fs, "build/production/assets/css/main.css")
	assert.False(t, exists)

	index, err := afero.ReadFile(fs, "build/production/index.html")
	require.NoError(t, err)
	assert.Contains(t, string(index), "/"+hashedCSS)
	assert.Contains(t, string(index), "/"+manifest["assets/js/global.js"])

	css, err := afero.ReadFile(fs, "build/production/"+hashedCSS)
	require.NoError(t, err)
	assert.Contains(t, string(css), "/"+manifest["assets/images/logo.png"])

	feed, err := afero.ReadFile(fs, "build/production/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, files["build/production/feed.xml"], string(feed))
}

func TestRevisionerRewritesWholeReferencesOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	css := `body{color:red}`
	require.NoError(t, afero.WriteFile(fs, "build/production/assets/css/main.css", []byte(css), 0o644))
	require.NoError(t, afero.WriteFile(fs, "build/production/index.html", []byte(
		`<link href="/assets/css/main.css">`+"\n"+
			`<a href="/assets/css/main.css.map">map</a>`+"\n"+
			`<a href='/assets/css/main.css2'>two</a>`+"\n"+
			`<a href=/assets/css/main.css?v=1>query</a>`), 0o644))

	rev := &Revisioner{
		Fs:       fs,
		Assets:   []string{"build/production/assets/css/*.css"},
		Base:     "build/production",
		Manifest: "build/production/assets/manifest.json",
		Collect:  []string{"build/production/**/*.html"},
	}
	require.NoError(t, rev.Run(context.Background()))

	hashed := RevisionedName("assets/css/main.css", []byte(css))
	index, err := afero.ReadFile(fs, "build/production/index.html")
	require.NoError(t, err)

	lines := strings.Split(string(index), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `<link href="/`+hashed+`">`, lines[0])
	assert.Equal(t, `<a href="/assets/css/main.css.map">map</a>`, lines[1])
	assert.Equal(t, `<a href='/assets/css/main.css2'>two</a>`, lines[2])
	assert.Equal(t, `<a href=/`+hashed+`?v=1>query</a>`, lines[3])
}
