package runner

import (
	"fmt"
	"os"
	"strings"

	"github.com/quantlab/compactor/go/keys"
)

// Filters restricts a run to matching partitions. Empty slices match
// everything; values compare case-insensitively.
type Filters struct {
	Exchanges []string
	Streams   []string
	Symbols   []string
}

// Limits caps the amount of work one run takes on.
type Limits struct {
	MaxPartitionsPerDay int
	MaxSymbols          int
	MaxDays             int
}

// Match reports whether |p| passes every configured filter.
func (f Filters) Match(p keys.Partition) bool {
	return matchOne(f.Exchanges, p.Exchange) &&
		matchOne(f.Streams, p.Stream) &&
		matchOne(f.Symbols, p.Symbol)
}

func matchOne(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return true
		}
	}
	return false
}

// LoadSymbolsFile reads one symbol per line, skipping blanks and #
// comments.
func LoadSymbolsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading symbols file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.ToLower(line))
	}
	return out, nil
}
