package main

import (
	"embed"
	"fmt"
	"io"
	"path"

	"github.com/flosch/pongo2/v6"
	"github.com/labstack/echo/v4"
)

//go:embed templates/*.html
var TemplateFS embed.FS

// echo.Renderer backed by pongo2 templates embedded in the binary. Output is autoescaped.
type Renderer struct {
	set *pongo2.TemplateSet
}

func NewRenderer() *Renderer {
	loader := pongo2.NewFSLoader(TemplateFS)
	set := pongo2.NewSet("atlogin", loader)
	return &Renderer{set: set}
}

func (r *Renderer) Render(w io.Writer, name string, data any, c echo.Context) error {
	tpl, err := r.set.FromCache(path.Join("templates", name))
	if err != nil {
		return err
	}
	var ctx pongo2.Context
	switch v := data.(type) {
	case pongo2.Context:
		ctx = v
	case map[string]any:
		ctx = pongo2.Context(v)
	case nil:
		ctx = pongo2.Context{}
	default:
		return fmt.Errorf("unsupported template data type: %T", data)
	}
	return tpl.ExecuteWriter(ctx, w)
}
