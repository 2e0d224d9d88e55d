package report

import (
	"os"
	"path/filepath"
	"text/template"
)

// DefaultTemplate is the built-in text/template body generate_attack_report
// compiles against when the caller names "default". Templates are looked
// up by name through a TemplateSource so operators can add their own
// without a code change.
const DefaultTemplate = `{{.Title}}
Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}

Summary
-------
Total events: {{.Summary.TotalEvents}}
Distinct sources: {{.Summary.DistinctSources}}
{{range $severity, $count := .Summary.BySeverity}}  {{$severity}}: {{$count}}
{{end}}
{{range .Sections}}
{{.Heading}}
{{.Body}}
{{if .Table}}{{range .Table.Rows}}{{range .}}{{.}}	{{end}}
{{end}}{{end}}{{end}}`

// TemplateSource resolves a named template to its text/template body.
// The default implementation below serves DefaultTemplate for "default"
// and reads any other name as a file under a configured directory —
// operators drop a new .tmpl file in rather than recompiling.
type TemplateSource interface {
	Lookup(name string) (string, error)
}

// FileTemplateSource reads named templates from a directory on disk,
// falling back to DefaultTemplate for the reserved name "default".
type FileTemplateSource struct {
	Dir string
}

func (f FileTemplateSource) Lookup(name string) (string, error) {
	if name == "" || name == "default" {
		return DefaultTemplate, nil
	}
	body, err := os.ReadFile(filepath.Join(f.Dir, name+".tmpl"))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// TextRenderer implements Renderer over Go's text/template, writing the
// compiled document to outputDir/reports with an atomic rename so a
// reader never observes a partially-written artifact.
type TextRenderer struct {
	Templates TemplateSource
	OutputDir string
}

func NewTextRenderer(templates TemplateSource, outputDir string) *TextRenderer {
	return &TextRenderer{Templates: templates, OutputDir: outputDir}
}

func (r *TextRenderer) Compile(data ReportData, templateName string) (string, error) {
	body, err := r.Templates.Lookup(templateName)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(templateName).Parse(body)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", err
	}
	finalPath := filepath.Join(r.OutputDir, reportFileName(data))
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func reportFileName(data ReportData) string {
	stamp := data.GeneratedAt.UTC().Format("20060102T150405Z")
	name := "report"
	if data.Campaign != nil {
		name = data.Campaign.CampaignID
	}
	return name + "-" + stamp + ".txt"
}
