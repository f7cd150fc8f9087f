package render

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower":     strings.ToLower,
		"titleCase": titleCase,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"join": strings.Join,
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// titleCase turns a section or field key like "persons_at_risk" into a
// heading like "Persons At Risk".
func titleCase(s string) string {
	words := strings.Split(strings.ReplaceAll(s, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// BuildHTML renders the report template with the resolved data.
func BuildHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>{{.Title}} — Version {{.VersionNumber}}</h1>
  <div class="meta">{{.SiteName}} | {{join .Frameworks ", "}} | Issued by {{.IssuedBy}} on {{formatDate .IssuedAt "Jan 2, 2006"}}</div>
  {{range .Sections}}<h2>{{titleCase .Key}}</h2>{{range .Fields}}<p><strong>{{titleCase .Name}}:</strong> {{.Value}}</p>{{end}}{{end}}
  {{if .Actions}}<h2>Action Register</h2>{{range .Actions}}<p>{{.Reference}} — {{.Title}} ({{.Status}})</p>{{end}}{{end}}
  {{if .ChangeSummary}}<h2>Change Summary</h2><pre>{{.ChangeSummary}}</pre>{{end}}
</body>
</html>`
