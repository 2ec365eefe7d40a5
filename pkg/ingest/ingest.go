package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/starrocks"
	"github.com/mhe/radgate/pkg/types"
)

// utmTable receives every projected record.
const utmTable = "UTMLogs"

// Loader pushes one CSV record into the analytical store.
type Loader interface {
	StreamLoad(ctx context.Context, table, label string, csv []byte) error
}

// Config wires the syslog ingester.
type Config struct {
	// ListenAddr is the syslog socket, normally ":514".
	ListenAddr string

	Loader Loader
}

// Ingester listens for FortiGate syslog datagrams and loads the UTM subset
// into the analytical store, one Stream Load per record. Failed loads are
// logged and dropped; the pipeline carries no retry state.
type Ingester struct {
	cfg   Config
	conn  *net.UDPConn
	ready chan struct{}
}

// NewIngester builds an ingester; Run binds the socket.
func NewIngester(cfg Config) *Ingester {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":514"
	}
	return &Ingester{cfg: cfg, ready: make(chan struct{})}
}

// LocalAddr blocks until the socket is bound and returns its address.
func (i *Ingester) LocalAddr() net.Addr {
	<-i.ready
	return i.conn.LocalAddr()
}

// Run blocks receiving datagrams until ctx is cancelled.
func (i *Ingester) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", i.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", i.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding syslog socket: %w", err)
	}
	i.conn = conn
	close(i.ready)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.WithComponent("ingest").Info().Str("addr", i.cfg.ListenAddr).Msg("syslog ingester listening")

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading syslog socket: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go i.handle(ctx, pkt)
	}
}

func (i *Ingester) handle(ctx context.Context, pkt []byte) {
	record := parsePayload(pkt)
	if record == nil {
		metrics.UTMRecordsTotal.WithLabelValues("dropped").Inc()
		log.WithComponent("ingest").Warn().Msg("non-JSON syslog payload skipped")
		return
	}
	if !strings.EqualFold(fieldString(record["type"]), "utm") {
		metrics.UTMRecordsTotal.WithLabelValues("skipped").Inc()
		return
	}

	record = Normalize(record)
	csv := starrocks.CSVLine(Project(record))

	if err := i.cfg.Loader.StreamLoad(ctx, utmTable, starrocks.Label("utm"), csv); err != nil {
		metrics.UTMRecordsTotal.WithLabelValues("dropped").Inc()
		log.WithComponent("ingest").Error().Err(err).
			Str("user", fieldString(record["user"])).Msg("utm record load failed")
		return
	}
	metrics.UTMRecordsTotal.WithLabelValues("loaded").Inc()
	log.WithComponent("ingest").Info().
		Str("user", fieldString(record["user"])).
		Str("action", fieldString(record["action"])).Msg("utm record loaded")
}

// parsePayload decodes a datagram as lossy UTF-8 and parses it as a JSON
// object; anything else yields nil.
func parsePayload(pkt []byte) map[string]any {
	text := strings.TrimSpace(strings.ToValidUTF8(string(pkt), ""))
	if text == "" {
		return nil
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(text), &record); err != nil {
		return nil
	}
	return record
}

// Normalize folds the appliance's field aliases into the report schema:
// hostname falls back to qname, threat merges virus and attack, and the
// subtype, catdesc, agent and crlevel fields are renamed.
func Normalize(record map[string]any) map[string]any {
	if qname := fieldString(record["qname"]); qname != "" && fieldString(record["hostname"]) == "" {
		record["hostname"] = qname
	}

	virus := fieldString(record["virus"])
	attack := fieldString(record["attack"])
	if virus != "" {
		record["threat"] = virus
	} else if attack != "" {
		record["threat"] = attack
	}

	for from, to := range map[string]string{
		"subtype": "utmtype",
		"catdesc": "category",
		"agent":   "httpagent",
		"crlevel": "level",
	} {
		if v, present := record[from]; present {
			record[to] = v
		}
	}
	return record
}

// Project reduces a normalized record onto the fixed report columns,
// rendering absent fields as empty strings.
func Project(record map[string]any) []string {
	values := make([]string, len(types.UTMColumns))
	for i, col := range types.UTMColumns {
		values[i] = fieldString(record[col])
	}
	return values
}

func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
