package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gonfva/docxlib"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

const reportContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Report fills a docx template from object storage: every paragraph's text
// goes through variable substitution, the filled document is stored back,
// and the share URL is rendered to the client.
type Report struct {
	base
	clients *Clients
}

// NewReport builds the report node runner.
func NewReport(clients *Clients, logger *zap.Logger) *Report {
	return &Report{base{kind: workflow.TypeReport, logger: logger}, clients}
}

// Validate implements Runner.
func (n *Report) Validate(def *workflow.Node) error {
	if def.StringParam("template_key") == "" {
		return types.NewError(types.ErrValidation, "report node requires a template_key").WithNode(def.ID)
	}
	return nil
}

// Run implements Runner.
func (n *Report) Run(ctx context.Context, rc *RunContext) (Result, error) {
	templateKey := rc.Def.StringParam("template_key")
	body, err := rc.Clients.Objects.Get(ctx, templateKey)
	if err != nil {
		return Result{}, types.NewError(types.ErrExternalService, "fetch report template").
			WithCause(err).WithNode(rc.NodeID)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return Result{}, types.NewError(types.ErrExternalService, "read report template").
			WithCause(err).WithNode(rc.NodeID)
	}

	template, err := docxlib.Parse(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Result{}, types.NewError(types.ErrNodeExecution, "parse report template").
			WithCause(err).WithNode(rc.NodeID)
	}
	fillTemplate(template, rc.Pool)

	var out bytes.Buffer
	if err := template.Write(&out); err != nil {
		return Result{}, types.NewError(types.ErrNodeExecution, "serialize filled report").
			WithCause(err).WithNode(rc.NodeID)
	}

	name := rc.Def.StringParam("report_name")
	if name == "" {
		name = "report"
	}
	key := fmt.Sprintf("reports/%s/%s-%d.docx", rc.SessionID, name, time.Now().UnixNano())
	url, err := rc.Clients.Objects.Put(ctx, key, &out, reportContentType)
	if err != nil {
		return Result{}, types.NewError(types.ErrExternalService, "store filled report").
			WithCause(err).WithNode(rc.NodeID)
	}

	rc.Emit(ctx, workflow.EventOutputMsg, workflow.OutputMsgData{
		Msg:   "report generated",
		Files: []workflow.File{{Name: name + ".docx", URL: url}},
	})
	return Outputs(map[string]any{"url": url, "key": key}), nil
}

// fillTemplate substitutes pool references into the parsed document in place,
// so paragraph styles, run formatting and hyperlinks survive serialization.
func fillTemplate(doc *docxlib.DocxLib, pool *workflow.Pool) {
	for _, paragraph := range doc.Paragraphs() {
		texts := paragraphTexts(paragraph)
		if len(texts) == 0 {
			continue
		}
		for _, t := range texts {
			t.Text, _ = pool.Substitute(t.Text)
		}
		// A placeholder split across runs survives the per-run pass. Only
		// then is the paragraph collapsed onto its first run.
		var joined strings.Builder
		for _, t := range texts {
			joined.WriteString(t.Text)
		}
		if rendered, _ := pool.Substitute(joined.String()); rendered != joined.String() {
			texts[0].Text = rendered
			for _, t := range texts[1:] {
				t.Text = ""
			}
		}
	}
}

func paragraphTexts(p *docxlib.Paragraph) []*docxlib.Text {
	var out []*docxlib.Text
	for _, child := range p.Children() {
		if child.Run != nil && child.Run.Text != nil {
			out = append(out, child.Run.Text)
		}
		if child.Link != nil && child.Link.Run.Text != nil {
			out = append(out, child.Link.Run.Text)
		}
	}
	return out
}
