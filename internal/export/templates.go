package export

import (
	"bytes"
	"html/template"
	"time"
)

// TemplateNode is one node row in the rendered outline.
type TemplateNode struct {
	Title       string
	Note        string
	Link        string
	BorderColor string
}

// TemplateEdge is one connection row in the rendered outline.
type TemplateEdge struct {
	Source string
	Target string
	Label  string
}

// TemplateData holds everything the outline template needs.
type TemplateData struct {
	Name        string
	Description string
	LastEdited  time.Time
	Nodes       []TemplateNode
	Edges       []TemplateEdge
}

var mapTemplate = template.Must(template.New("map").Parse(mapOutlineTemplate))

// RenderMapHTML renders the outline template with provided data.
func RenderMapHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := mapTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const mapOutlineTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Name}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .node { padding: 0.5rem 1rem; margin: 0.5rem 0; border-left: 4px solid #ccc; }
    .node .note { color: #444; font-size: 0.95em; margin-top: 0.25rem; }
    .node .link { font-size: 0.85em; }
    .edges { margin-top: 2rem; color: #555; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>{{.Name}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">Last edited {{.LastEdited.Format "Jan 2, 2006 15:04"}}</div>
  {{range .Nodes}}
  <div class="node"{{if .BorderColor}} style="border-left-color: {{.BorderColor}}"{{end}}>
    <strong>{{.Title}}</strong>
    {{if .Note}}<div class="note">{{.Note}}</div>{{end}}
    {{if .Link}}<div class="link"><a href="{{.Link}}">{{.Link}}</a></div>{{end}}
  </div>
  {{end}}
  {{if .Edges}}
  <div class="edges">
    <h2>Connections</h2>
    <ul>
      {{range .Edges}}<li>{{.Source}} &rarr; {{.Target}}{{if .Label}} ({{.Label}}){{end}}</li>{{end}}
    </ul>
  </div>
  {{end}}
</body>
</html>`
