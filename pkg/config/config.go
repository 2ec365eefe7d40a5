package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable runtime configuration for all radgate services.
// It is resolved once from environment variables and passed into each
// component at construction.
type Config struct {
	// FortiGate REST credentials
	APIToken string

	// HMAC secret for signed report links
	EmailToken string

	// RADIUS shared secret (raw bytes)
	RadiusSecret []byte

	// NAS-IP -> ordered FortiGate failover list
	FortiGate map[string][]string

	// Relational store (MySQL protocol)
	MySQL DBConfig

	// Analytical store (StarRocks: FE query port speaks MySQL protocol,
	// HTTP port serves Stream Load)
	StarRocks DBConfig
	StarRocksHTTPPort int

	// Inter-service addresses
	DBHost    string
	DBPort    int
	AEHost    string
	AEPort    int
	AppHost   string
	AppPort   int
	EmailHost string
	EmailPort int
	LDAPHost  string
	LDAPPort  int

	// SMTP
	SMTP SMTPConfig

	// Daily report tick, local wall clock
	ReportSendTime string

	// Static port catalogue path
	PortsFile string

	// Alternative delete semantics (keep the shared service object when
	// other subscribers remain on the policy)
	DeleteKeepsSharedService bool
}

// DBConfig holds connection parameters for a MySQL-protocol endpoint.
type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
}

// DSN renders the go-sql-driver connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", d.User, d.Password, d.Host, d.Port, d.Database)
}

// SMTPConfig holds outbound mail parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	UseTLS   bool // STARTTLS
	UseSSL   bool // implicit TLS
	Timeout  time.Duration
}

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("API_TOKEN", "")
	v.SetDefault("EMAIL_TOKEN", "email-secret")
	v.SetDefault("RADIUS_SHARED_SECRET", "testing123")

	v.SetDefault("MYSQL_USER", "root")
	v.SetDefault("MYSQL_PASSWORD", "")
	v.SetDefault("MYSQL_HOST", "127.0.0.1")
	v.SetDefault("MYSQL_PORT", 3306)
	v.SetDefault("MYSQL_DB", "Radius")

	v.SetDefault("STARROCKS_USER", "root")
	v.SetDefault("STARROCKS_PASSWORD", "")
	v.SetDefault("STARROCKS_HOST", "127.0.0.1")
	v.SetDefault("STARROCKS_PORT", 9030)
	v.SetDefault("STARROCKS_HTTP_PORT", 8030)
	v.SetDefault("STARROCKS_DB", "RADIUS")

	v.SetDefault("MHE_DB_HOST", "127.0.0.1")
	v.SetDefault("MHE_DB_PORT", 8081)
	v.SetDefault("MHE_AE_HOST", "127.0.0.1")
	v.SetDefault("MHE_AE_PORT", 8082)
	v.SetDefault("MHE_APP_HOST", "127.0.0.1")
	v.SetDefault("MHE_APP_PORT", 8082)
	v.SetDefault("MHE_EMAIL_HOST", "127.0.0.1")
	v.SetDefault("MHE_EMAIL_PORT", 8085)
	v.SetDefault("MHE_LDAP_HOST", "127.0.0.1")
	v.SetDefault("MHE_LDAP_PORT", 8086)

	v.SetDefault("SMTP_HOST", "localhost")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "noreply@example.com")
	v.SetDefault("SMTP_USE_TLS", true)
	v.SetDefault("SMTP_USE_SSL", false)
	v.SetDefault("SMTP_TIMEOUT", 10)

	v.SetDefault("REPORT_SEND_TIME", "08:00")
	v.SetDefault("PORTS_FILE", "config/ports.json")
	v.SetDefault("DELETE_KEEPS_SHARED_SERVICE", false)

	sendTime := v.GetString("REPORT_SEND_TIME")
	if _, err := time.Parse("15:04", sendTime); err != nil {
		return nil, fmt.Errorf("invalid REPORT_SEND_TIME %q: %w", sendTime, err)
	}

	cfg := &Config{
		APIToken:     v.GetString("API_TOKEN"),
		EmailToken:   v.GetString("EMAIL_TOKEN"),
		RadiusSecret: []byte(v.GetString("RADIUS_SHARED_SECRET")),
		FortiGate:    parseFortiGate(os.Environ(), v),
		MySQL: DBConfig{
			User:     v.GetString("MYSQL_USER"),
			Password: v.GetString("MYSQL_PASSWORD"),
			Host:     v.GetString("MYSQL_HOST"),
			Port:     v.GetInt("MYSQL_PORT"),
			Database: v.GetString("MYSQL_DB"),
		},
		StarRocks: DBConfig{
			User:     v.GetString("STARROCKS_USER"),
			Password: v.GetString("STARROCKS_PASSWORD"),
			Host:     v.GetString("STARROCKS_HOST"),
			Port:     v.GetInt("STARROCKS_PORT"),
			Database: v.GetString("STARROCKS_DB"),
		},
		StarRocksHTTPPort: v.GetInt("STARROCKS_HTTP_PORT"),
		DBHost:            v.GetString("MHE_DB_HOST"),
		DBPort:            v.GetInt("MHE_DB_PORT"),
		AEHost:            v.GetString("MHE_AE_HOST"),
		AEPort:            v.GetInt("MHE_AE_PORT"),
		AppHost:           v.GetString("MHE_APP_HOST"),
		AppPort:           v.GetInt("MHE_APP_PORT"),
		EmailHost:         v.GetString("MHE_EMAIL_HOST"),
		EmailPort:         v.GetInt("MHE_EMAIL_PORT"),
		LDAPHost:          v.GetString("MHE_LDAP_HOST"),
		LDAPPort:          v.GetInt("MHE_LDAP_PORT"),
		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetInt("SMTP_PORT"),
			User:     v.GetString("SMTP_USER"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
			UseTLS:   v.GetBool("SMTP_USE_TLS"),
			UseSSL:   v.GetBool("SMTP_USE_SSL"),
			Timeout:  time.Duration(v.GetInt("SMTP_TIMEOUT")) * time.Second,
		},
		ReportSendTime:           sendTime,
		PortsFile:                v.GetString("PORTS_FILE"),
		DeleteKeepsSharedService: v.GetBool("DELETE_KEEPS_SHARED_SERVICE"),
	}
	return cfg, nil
}

// parseFortiGate builds the NAS-IP -> FortiGate failover map.
//
// Two formats are recognized; the multi-line indexed form wins when present:
//
//	FORTI_GATE_1_NAS=172.26.202.244,172.26.202.245
//	FORTI_GATE_1_FGS=10.3.1.101,10.3.1.102
//
// Every NAS-IP in a group maps to the same ordered FortiGate list. The
// legacy single-line form is used only when no indexed variable is set:
//
//	FORTI_GATE="nas1=fg1;fg2|nas2=fg3"
func parseFortiGate(environ []string, v *viper.Viper) map[string][]string {
	mapping := make(map[string][]string)

	var indices []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(name, "FORTI_GATE_") && strings.HasSuffix(name, "_NAS") {
			idx := strings.TrimSuffix(strings.TrimPrefix(name, "FORTI_GATE_"), "_NAS")
			if idx != "" {
				indices = append(indices, idx)
			}
		}
	}
	sort.Strings(indices)

	for _, idx := range indices {
		nasList := splitList(os.Getenv("FORTI_GATE_"+idx+"_NAS"), ",")
		fgList := splitList(os.Getenv("FORTI_GATE_"+idx+"_FGS"), ",")
		if len(nasList) == 0 || len(fgList) == 0 {
			continue
		}
		for _, nas := range nasList {
			mapping[nas] = fgList
		}
	}
	if len(mapping) > 0 {
		return mapping
	}

	for _, pair := range strings.Split(v.GetString("FORTI_GATE"), "|") {
		nas, fgs, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		nasIP := strings.TrimSpace(nas)
		fgList := splitList(fgs, ";")
		if nasIP != "" && len(fgList) > 0 {
			mapping[nasIP] = fgList
		}
	}
	return mapping
}

func splitList(raw, sep string) []string {
	var out []string
	for _, item := range strings.Split(raw, sep) {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
