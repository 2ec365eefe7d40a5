package portmatrix

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one named service of the port catalogue. Rule strings are
// comma-separated port tokens; a token is opaque (single port or range) and
// is compared textually.
type CatalogEntry struct {
	Name     string `json:"name" yaml:"name"`
	TCPRules string `json:"tcp_rules" yaml:"tcp_rules"`
	UDPRules string `json:"udp_rules" yaml:"udp_rules"`
}

// Matrix holds the full port universe derived from the catalogue: the
// deduplicated, lexicographically sorted union of all TCP and UDP tokens.
type Matrix struct {
	TCP []string
	UDP []string
}

// Load reads the catalogue file (JSON or YAML by extension) and builds the
// matrix.
func Load(path string) (*Matrix, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading port catalogue: %w", err)
	}

	var entries []CatalogEntry
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parsing port catalogue %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parsing port catalogue %s: %w", path, err)
		}
	}

	return New(entries), nil
}

// New builds the matrix from catalogue entries.
func New(entries []CatalogEntry) *Matrix {
	tcp := make(map[string]struct{})
	udp := make(map[string]struct{})
	for _, e := range entries {
		for _, tok := range splitTokens(e.TCPRules) {
			tcp[tok] = struct{}{}
		}
		for _, tok := range splitTokens(e.UDPRules) {
			udp[tok] = struct{}{}
		}
	}
	return &Matrix{TCP: sortedKeys(tcp), UDP: sortedKeys(udp)}
}

// Invert returns the rule strings complemented against the universe. Tokens
// of the result appear in universe order; selected tokens outside the
// universe are ignored.
func (m *Matrix) Invert(tcpRules, udpRules string) (invTCP, invUDP string) {
	return complement(m.TCP, tcpRules), complement(m.UDP, udpRules)
}

func complement(universe []string, selected string) string {
	sel := make(map[string]struct{})
	for _, tok := range splitTokens(selected) {
		sel[tok] = struct{}{}
	}
	out := make([]string, 0, len(universe))
	for _, tok := range universe {
		if _, ok := sel[tok]; !ok {
			out = append(out, tok)
		}
	}
	return strings.Join(out, ",")
}

func splitTokens(rules string) []string {
	var out []string
	for _, tok := range strings.Split(rules, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
