package ingest

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhe/radgate/pkg/types"
)

type loadCall struct {
	Table string
	Label string
	CSV   string
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []loadCall
	err   error
}

func (f *fakeLoader) StreamLoad(_ context.Context, table, label string, csv []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, loadCall{Table: table, Label: label, CSV: string(csv)})
	return nil
}

func (f *fakeLoader) snapshot() []loadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loadCall(nil), f.calls...)
}

func TestNormalizeMergesAliases(t *testing.T) {
	record := Normalize(map[string]any{
		"qname":   "evil.example",
		"virus":   "EICAR",
		"subtype": "webfilter",
		"catdesc": "Malicious Websites",
		"agent":   "curl/8.0",
		"crlevel": "high",
	})

	assert.Equal(t, "evil.example", record["hostname"])
	assert.Equal(t, "EICAR", record["threat"])
	assert.Equal(t, "webfilter", record["utmtype"])
	assert.Equal(t, "Malicious Websites", record["category"])
	assert.Equal(t, "curl/8.0", record["httpagent"])
	assert.Equal(t, "high", record["level"])
}

func TestNormalizePrecedence(t *testing.T) {
	record := Normalize(map[string]any{
		"hostname": "kept.example",
		"qname":    "dropped.example",
		"virus":    "",
		"attack":   "SQL.Injection",
	})

	assert.Equal(t, "kept.example", record["hostname"])
	assert.Equal(t, "SQL.Injection", record["threat"])
}

func TestProjectOrdersAndFills(t *testing.T) {
	values := Project(map[string]any{
		"action":  "blocked",
		"dstport": float64(443),
		"user":    "u1",
		"threat":  "EICAR",
	})

	require.Len(t, values, len(types.UTMColumns))
	assert.Equal(t, "blocked", values[0])
	assert.Equal(t, "443", values[4])
	assert.Equal(t, "u1", values[12])
	assert.Equal(t, "EICAR", values[19])
	assert.Equal(t, "", values[1])
}

func runIngester(t *testing.T, loader Loader) *net.UDPConn {
	t.Helper()
	ing := NewIngester(Config{ListenAddr: "127.0.0.1:0", Loader: loader})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ing.Run(ctx) }()

	client, err := net.DialUDP("udp", nil, ing.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIngesterLoadsUTMRecord(t *testing.T) {
	loader := &fakeLoader{}
	client := runIngester(t, loader)

	_, err := client.Write([]byte(`{"type":"UTM","action":"blocked","user":"u1","subtype":"webfilter"}`))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for len(loader.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	calls := loader.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "UTMLogs", calls[0].Table)
	assert.True(t, strings.HasPrefix(calls[0].Label, "utm_"))
	assert.Contains(t, calls[0].CSV, `"blocked"`)
	assert.Contains(t, calls[0].CSV, `"webfilter"`)
	assert.Equal(t, len(types.UTMColumns), strings.Count(calls[0].CSV, ",")+1)
}

func TestIngesterSkipsOtherTypes(t *testing.T) {
	loader := &fakeLoader{}
	client := runIngester(t, loader)

	_, err := client.Write([]byte(`{"type":"traffic","user":"u1"}`))
	require.NoError(t, err)
	_, err = client.Write([]byte(`not json at all`))
	require.NoError(t, err)
	_, err = client.Write([]byte(`[1,2,3]`))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, loader.snapshot())
}
