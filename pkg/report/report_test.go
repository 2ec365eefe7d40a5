package report

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhe/radgate/pkg/client"
	"github.com/mhe/radgate/pkg/token"
	"github.com/mhe/radgate/pkg/types"
)

const testSecret = "test-email-secret"

func sampleRow(user string) []string {
	row := make([]string, len(types.UTMColumns))
	for i, col := range types.UTMColumns {
		row[i] = col + "-v"
	}
	row[12] = user
	return row
}

type fakeDirectory struct {
	users []client.DirectoryUser
	err   error
}

func (f *fakeDirectory) List(context.Context) ([]client.DirectoryUser, error) {
	return f.users, f.err
}

type fakeAnalytics struct {
	rows map[string][][]string
	err  error
}

func (f *fakeAnalytics) UTMLogsByUserAndDate(_ context.Context, login, _ string) ([][]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[login], nil
}

type sentMail struct {
	To      []string
	Subject string
	Body    string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeSender) Send(to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeSender) snapshot() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

func TestNextRunSameDay(t *testing.T) {
	now := time.Date(2024, 1, 15, 6, 30, 0, 0, time.Local)
	run := nextRun(now, "08:00")
	assert.Equal(t, time.Date(2024, 1, 15, 8, 0, 0, 0, time.Local), run)
}

func TestNextRunCrossesDayBoundary(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.Local)
	run := nextRun(now, "08:00")
	assert.Equal(t, time.Date(2024, 1, 16, 8, 0, 0, 0, time.Local), run)

	now = time.Date(2024, 1, 15, 23, 59, 0, 0, time.Local)
	assert.Equal(t, time.Date(2024, 1, 16, 8, 0, 0, 0, time.Local), nextRun(now, "08:00"))
}

func TestNextRunBadSpecFallsBack(t *testing.T) {
	now := time.Date(2024, 1, 15, 6, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2024, 1, 15, 8, 0, 0, 0, time.Local), nextRun(now, "nonsense"))
}

func TestRunOnceSendsLinkAndNotice(t *testing.T) {
	sender := &fakeSender{}
	r := NewReporter(Config{
		Directory: &fakeDirectory{users: []client.DirectoryUser{
			{Login: "busy", Emails: []string{"busy@example.org"}},
			{Login: "quiet", Emails: []string{"quiet@example.org"}},
			{Login: "", Emails: []string{"nobody@example.org"}},
		}},
		Analytics: &fakeAnalytics{rows: map[string][][]string{
			"busy": {sampleRow("busy")},
		}},
		Sender:   sender,
		Secret:   testSecret,
		LinkHost: "reports.example.org",
		LinkPort: 8084,
	})

	processed, sent, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 2, sent)

	date := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	byRecipient := map[string]sentMail{}
	for _, m := range sender.snapshot() {
		byRecipient[m.To[0]] = m
	}

	busy := byRecipient["busy@example.org"]
	assert.Contains(t, busy.Subject, "Отчёт о событиях безопасности")
	assert.Contains(t, busy.Body, "http://reports.example.org:8084/report?token=")

	// the emailed token must verify and name the right window
	idx := strings.Index(busy.Body, "token=")
	require.Greater(t, idx, 0)
	payload, err := token.Unsign(busy.Body[idx+len("token="):], []byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "busy", payload.Login)
	assert.Equal(t, date, payload.Date)

	quiet := byRecipient["quiet@example.org"]
	assert.Contains(t, quiet.Subject, "Нет событий безопасности")
	assert.Contains(t, quiet.Body, "quiet")
}

func TestRunOnceNoUsers(t *testing.T) {
	sender := &fakeSender{}
	r := NewReporter(Config{
		Directory: &fakeDirectory{},
		Analytics: &fakeAnalytics{},
		Sender:    sender,
		Secret:    testSecret,
	})

	processed, sent, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, sent)
	assert.Empty(t, sender.snapshot())
}

func TestRunOnceDirectoryFailure(t *testing.T) {
	r := NewReporter(Config{
		Directory: &fakeDirectory{err: fmt.Errorf("ldap down")},
		Analytics: &fakeAnalytics{},
		Sender:    &fakeSender{},
		Secret:    testSecret,
	})

	_, _, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ldap down")
}

func TestRunOnceSenderFailureCounts(t *testing.T) {
	sender := &fakeSender{err: fmt.Errorf("relay down")}
	r := NewReporter(Config{
		Directory: &fakeDirectory{users: []client.DirectoryUser{
			{Login: "u1", Emails: []string{"u1@example.org"}},
		}},
		Analytics: &fakeAnalytics{},
		Sender:    sender,
		Secret:    testSecret,
	})

	processed, sent, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, sent)
}

func signedToken(t *testing.T, login, date string) string {
	t.Helper()
	tok, err := token.Sign(token.Payload{Login: login, Date: date}, []byte(testSecret))
	require.NoError(t, err)
	return tok
}

func serveReport(t *testing.T, analytics Queryer, target string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(analytics, testSecret, "127.0.0.1:0")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestReportPage(t *testing.T) {
	analytics := &fakeAnalytics{rows: map[string][][]string{
		"u1": {sampleRow("u1")},
	}}
	tok := signedToken(t, "u1", "2024-01-15")

	rec := serveReport(t, analytics, "/report?token="+url.QueryEscape(tok))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "u1 (2024-01-15)")
	assert.Contains(t, body, "<td>action-v</td>")
	assert.Contains(t, body, "/download/csv?token=")
}

func TestReportInvalidToken(t *testing.T) {
	rec := serveReport(t, &fakeAnalytics{}, "/report?token=garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportTamperedToken(t *testing.T) {
	tok := signedToken(t, "u1", "2024-01-15")
	forged, err := token.Sign(token.Payload{Login: "u1", Date: "2024-01-15"}, []byte("other-secret"))
	require.NoError(t, err)
	require.NotEqual(t, tok, forged)

	rec := serveReport(t, &fakeAnalytics{}, "/report?token="+url.QueryEscape(forged))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportInvalidDate(t *testing.T) {
	tok := signedToken(t, "u1", "not-a-date")
	rec := serveReport(t, &fakeAnalytics{}, "/report?token="+url.QueryEscape(tok))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadCSV(t *testing.T) {
	analytics := &fakeAnalytics{rows: map[string][][]string{
		"u1": {sampleRow("u1")},
	}}
	tok := signedToken(t, "u1", "2024-01-15")

	rec := serveReport(t, analytics, "/download/csv?token="+url.QueryEscape(tok))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(types.UTMColumns, ","), lines[0])
	assert.Contains(t, lines[1], "action-v")
}

func TestDownloadExcel(t *testing.T) {
	analytics := &fakeAnalytics{rows: map[string][][]string{
		"u1": {sampleRow("u1")},
	}}
	tok := signedToken(t, "u1", "2024-01-15")

	rec := serveReport(t, analytics, "/download/excel?token="+url.QueryEscape(tok))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.ms-excel", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=utm_report_u1_2024-01-15.xls",
		rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Body.String(), "<td>action-v</td>")
}

func TestHTMLTableEmpty(t *testing.T) {
	assert.Equal(t, "<p>No records</p>", HTMLTable(nil))
}

func TestHTMLTableEscapes(t *testing.T) {
	row := sampleRow("u1")
	row[16] = `<script>alert("x")</script>`
	out := HTMLTable([][]string{row})
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}
