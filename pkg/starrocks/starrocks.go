package starrocks

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// MySQL driver registration, the analytical store speaks the same
	// protocol on its query port
	_ "github.com/go-sql-driver/mysql"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/types"
)

// Config locates the analytical store. Host serves both the Stream Load
// HTTP surface (Port) and, through DSN, the MySQL-protocol query port.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Client performs Stream Load ingestion into the analytical store.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a Stream Load client with the fixed 5 s budget.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Label returns a unique load label: prefix and the current unix epoch with
// fractional seconds.
func Label(prefix string) string {
	epoch := float64(time.Now().UnixNano()) / 1e9
	return prefix + "_" + strconv.FormatFloat(epoch, 'f', 6, 64)
}

// loadResult is the interesting subset of a Stream Load response body.
type loadResult struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
}

// StreamLoad pushes one CSV payload into table. A load succeeds only when
// the HTTP status is 200 AND the body reports Status "Success".
func (c *Client) StreamLoad(ctx context.Context, table, label string, csv []byte) error {
	url := fmt.Sprintf("http://%s:%d/api/%s/%s/_stream_load",
		c.cfg.Host, c.cfg.Port, c.cfg.Database, table)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(csv))
	if err != nil {
		return fmt.Errorf("building stream load request: %w", err)
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("label", label)
	req.Header.Set("column_separator", ",")
	req.Header.Set("format", "csv")

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	timer.ObserveDuration(metrics.StreamLoadDuration)
	if err != nil {
		return fmt.Errorf("stream load %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream load %s: status %d", table, resp.StatusCode)
	}
	var result loadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding stream load response: %w", err)
	}
	if result.Status != "Success" {
		return fmt.Errorf("stream load %s: %s (%s)", table, result.Status, result.Message)
	}
	log.WithComponent("starrocks").Debug().Str("table", table).Str("label", label).Msg("stream load done")
	return nil
}

// CSVLine renders values as one quoted comma-separated record.
func CSVLine(values []string) []byte {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return []byte(strings.Join(quoted, ","))
}

// Analytics queries the analytical store over its MySQL protocol port.
type Analytics struct {
	db *sqlx.DB
}

// OpenAnalytics connects to the query port and verifies the connection.
func OpenAnalytics(dsn string) (*Analytics, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening analytical store: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging analytical store: %w", err)
	}
	return &Analytics{db: db}, nil
}

// NewAnalytics wraps an existing handle.
func NewAnalytics(db *sqlx.DB) *Analytics {
	return &Analytics{db: db}
}

// Close releases the connection pool.
func (a *Analytics) Close() error {
	return a.db.Close()
}

// UTMLogsByUserAndDate returns the UTM events of login for one reporting
// date (the 08:00 to 08:00 window), ordered by event time. Each row carries
// the values in types.UTMColumns order.
func (a *Analytics) UTMLogsByUserAndDate(ctx context.Context, login, date string) ([][]string, error) {
	cols := "`" + strings.Join(types.UTMColumns, "`, `") + "`"
	rows, err := a.db.QueryxContext(ctx,
		"SELECT "+cols+" FROM UTMLogs WHERE `user` = ? AND `reporting_date` = ? ORDER BY `event_time` ASC",
		login, date)
	if err != nil {
		return nil, fmt.Errorf("querying utm logs for %s: %w", login, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("scanning utm row: %w", err)
		}
		rec := make([]string, len(raw))
		for i, v := range raw {
			rec[i] = asString(v)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading utm rows: %w", err)
	}
	return out, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case sql.RawBytes:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
