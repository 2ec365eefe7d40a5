package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html"
	"strings"

	"github.com/mhe/radgate/pkg/types"
)

// HTMLTable renders rows as a bordered table over the report columns.
func HTMLTable(rows [][]string) string {
	if len(rows) == 0 {
		return "<p>No records</p>"
	}
	var b strings.Builder
	b.WriteString("<table border='1' cellpadding='4' cellspacing='0'><thead><tr>")
	for _, col := range types.UTMColumns {
		b.WriteString("<th>" + html.EscapeString(col) + "</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<td>" + html.EscapeString(cell) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

// CSV renders the header row and every record as RFC 4180 CSV.
func CSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(types.UTMColumns); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Excel renders the legacy HTML-in-XLS export spreadsheet viewers accept.
func Excel(rows [][]string) []byte {
	var b strings.Builder
	b.WriteString("<html><head><meta charset='UTF-8'></head>\n<body><table border='1'><thead><tr>")
	for _, col := range types.UTMColumns {
		b.WriteString("<th>" + html.EscapeString(col) + "</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<td>" + html.EscapeString(cell) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table></body></html>")
	return []byte(b.String())
}

// HTMLPage renders the full report page with the download controls.
func HTMLPage(login, date string, rows [][]string, tok string) string {
	esc := html.EscapeString
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8" />
  <title>Отчёт для %s</title>
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <style>body{font-family:Arial,Helvetica,sans-serif;margin:20px}</style>
</head>
<body>
  <h2>Отчёт о событиях безопасности для %s (%s)</h2>
  <div class="controls">
    <a class="btn" href="/download/csv?token=%s">Скачать CSV</a>
    <a class="btn btn-primary" href="/download/excel?token=%s">Скачать Excel</a>
  </div>
  %s
</body>
</html>`, esc(login), esc(login), esc(date), tok, tok, HTMLTable(rows))
}
