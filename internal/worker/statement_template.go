package worker

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// statementTemplateString 是对账单 PDF 渲染的 Go HTML 模板。
// 页面尺寸按 A4 @ 96 DPI 固定,与 pdf.RenderHTML 的打印参数匹配。
const statementTemplateString = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body {
            margin: 0;
            padding: 0;
            font-family: 'Helvetica', 'Arial', sans-serif;
            font-size: 11pt;
            color: #1a1a1a;
        }
        .a4-page {
            width: 794px; /* A4 @ 96 DPI */
            height: 1122px;
            background: white;
            margin: 0;
            padding: 48px;
            box-sizing: border-box;
        }
        .header {
            border-bottom: 3px solid #1f3a5f;
            padding-bottom: 16px;
            margin-bottom: 24px;
        }
        .header h1 {
            margin: 0;
            font-size: 22pt;
            color: #1f3a5f;
        }
        .meta {
            width: 100%;
            border-collapse: collapse;
            margin-bottom: 32px;
        }
        .meta td {
            padding: 6px 0;
            border-bottom: 1px solid #e0e0e0;
        }
        .meta td.label {
            width: 220px;
            color: #666;
        }
        .params {
            background: #f6f8fa;
            border: 1px solid #e0e0e0;
            border-radius: 4px;
            padding: 16px;
            font-family: 'Courier New', monospace;
            font-size: 9pt;
            white-space: pre-wrap;
            word-break: break-all;
        }
        .footer {
            margin-top: 48px;
            font-size: 8pt;
            color: #999;
        }
    </style>
</head>
<body>
    <div class="a4-page">
        <div class="header">
            <h1>{{.Title}}</h1>
        </div>
        <table class="meta">
            <tr><td class="label">Statement reference</td><td>{{.TaskID}}</td></tr>
            <tr><td class="label">Account holder</td><td>{{.UserEmail}}</td></tr>
            <tr><td class="label">Generated at</td><td>{{.GeneratedAt}}</td></tr>
        </table>
        {{if .Params}}<div class="params">{{.Params}}</div>{{end}}
        <div class="footer">Generated by stmtFlow. This document was produced automatically; no signature is required.</div>
    </div>
</body>
</html>
`

var statementTemplate = template.Must(template.New("statement").Parse(statementTemplateString))

type statementTemplateData struct {
	Title       string
	TaskID      string
	UserEmail   string
	GeneratedAt string
	Params      string
}

// renderStatementHTML 将任务信息填入模板,返回待打印的 HTML。
func renderStatementHTML(title, taskID, userEmail string, params []byte, generatedAt time.Time) (string, error) {
	data := statementTemplateData{
		Title:       title,
		TaskID:      taskID,
		UserEmail:   userEmail,
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Params:      string(params),
	}

	var buf bytes.Buffer
	if err := statementTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute statement template: %w", err)
	}
	return buf.String(), nil
}
