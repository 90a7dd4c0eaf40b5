package admin

import (
	"embed"
	"html/template"
	"io"
	"time"
)

//go:embed templates/*.html static/*
var content embed.FS

// Render renders a template with the given data.
func Render(w io.Writer, name string, data any) error {
	if data == nil {
		data = map[string]any{}
	}
	tmpl, err := template.New("base.html").Funcs(template.FuncMap{
		"formatTime": formatTime,
	}).ParseFS(content, "templates/base.html", "templates/"+name)
	if err != nil {
		return err
	}
	return tmpl.Execute(w, data)
}

// formatTime accepts both time.Time and *time.Time since toggle start and
// end dates are optional.
func formatTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Format(time.RFC3339)
	}
	return ""
}
