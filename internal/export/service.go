package export

import (
	"context"
	"fmt"

	"mindmesh/api/internal/mapdoc"
)

// DocumentSource loads the map to export.
type DocumentSource interface {
	GetMap(ctx context.Context, mapID string) (*mapdoc.Document, string, error)
}

// Service renders map exports.
type Service struct {
	docs DocumentSource
}

func NewService(docs DocumentSource) *Service {
	return &Service{docs: docs}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, _, err := s.docs.GetMap(ctx, req.MapID)
	if err != nil {
		return nil, fmt.Errorf("get map: %w", err)
	}

	html, err := RenderMapHTML(templateDataFor(doc))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Name) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, doc.Name)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func templateDataFor(doc *mapdoc.Document) TemplateData {
	data := TemplateData{
		Name:        doc.Name,
		Description: doc.Description,
		LastEdited:  doc.LastEdited,
	}
	titles := make(map[string]string, len(doc.Nodes))
	for _, n := range doc.Nodes {
		titles[n.ID] = n.Title
		data.Nodes = append(data.Nodes, TemplateNode{
			Title:       n.Title,
			Note:        doc.NodeNotes[n.ID],
			Link:        doc.NodeData[n.ID].Link,
			BorderColor: n.BorderColor,
		})
	}
	for _, e := range doc.Edges {
		src, ok := titles[e.Source]
		if !ok {
			src = e.Source // dangling edge, show the raw id
		}
		dst, ok := titles[e.Target]
		if !ok {
			dst = e.Target
		}
		data.Edges = append(data.Edges, TemplateEdge{Source: src, Target: dst, Label: e.Label})
	}
	return data
}
