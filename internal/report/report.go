package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/storage"
)

// ErrRendererUnavailable is returned by Renderer implementations that
// cannot actually produce a PDF. No PDF-generation library is wired in
// this module, so the default renderer always returns this error;
// callers skip PDF output and continue rather than fail the export.
var ErrRendererUnavailable = errors.New("report: PDF renderer unavailable")

// Summary contains aggregated metrics about a completed scan.
type Summary struct {
	TotalFindings   int
	ByRisk          map[string]int
	ByTechnique     map[string]int
	CriticalCount   int
	HighestScore    float64
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

// GenerateSummary aggregates a slice of Findings into a Summary.
func GenerateSummary(findings []*storage.Finding) Summary {
	s := Summary{
		ByRisk:      make(map[string]int),
		ByTechnique: make(map[string]int),
	}

	if len(findings) == 0 {
		return s
	}

	s.StartTime = findings[0].CreatedAt
	s.EndTime = findings[0].CreatedAt

	for _, f := range findings {
		s.TotalFindings++
		s.ByRisk[f.Risk]++
		s.ByTechnique[f.Technique]++
		if f.Risk == "Critical" {
			s.CriticalCount++
		}
		if f.Score > s.HighestScore {
			s.HighestScore = f.Score
		}

		if f.CreatedAt.Before(s.StartTime) {
			s.StartTime = f.CreatedAt
		}
		if f.CreatedAt.After(s.EndTime) {
			s.EndTime = f.CreatedAt
		}
	}

	s.Duration = s.EndTime.Sub(s.StartTime)
	return s
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary Summary) error {
	const textTmpl = `SQLi Scan Summary
-----------------
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Findings:      {{.TotalFindings}}
Critical:      {{.CriticalCount}}
Highest Score: {{printf "%.1f" .HighestScore}}

By Risk:
{{- range $risk, $count := .ByRisk}}
  {{$risk}}: {{$count}}
{{- else}}
  None
{{- end}}

By Technique:
{{- range $tech, $count := .ByTechnique}}
  {{$tech}}: {{$count}}
{{- else}}
  None
{{- end}}
`

	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	return nil
}

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, summary Summary) error {
	const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>SQLi Scan Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>SQLi Scan Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card">
    <div>Findings</div>
    <div class="stat-val">{{.TotalFindings}}</div>
  </div>
  <div class="stat-card">
    <div>Critical</div>
    <div class="stat-val" style="color: {{if gt .CriticalCount 0}}red{{else}}green{{end}};">{{.CriticalCount}}</div>
  </div>
  <div class="stat-card">
    <div>Highest Score</div>
    <div class="stat-val">{{printf "%.1f" .HighestScore}}</div>
  </div>

  <h3>Findings By Risk</h3>
  <table>
    <tr><th>Risk</th><th>Count</th></tr>
    {{- range $risk, $count := .ByRisk}}
    <tr><td>{{$risk}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>

  <h3>Findings By Technique</h3>
  <table>
    <tr><th>Technique</th><th>Count</th></tr>
    {{- range $tech, $count := .ByTechnique}}
    <tr><td>{{$tech}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`
	t, err := template.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	return nil
}

// Renderer renders a Summary to a PDF.
type Renderer interface {
	RenderPDF(w io.Writer, summary Summary) error
}

// nilRenderer is the only Renderer implementation: PDF export is always
// unavailable, since no PDF library exists in the corpus to wire.
type nilRenderer struct{}

// NewRenderer returns the module's Renderer, which always reports
// ErrRendererUnavailable. Callers should treat that as "skip PDF, continue".
func NewRenderer() Renderer {
	return nilRenderer{}
}

func (nilRenderer) RenderPDF(w io.Writer, summary Summary) error {
	return ErrRendererUnavailable
}
