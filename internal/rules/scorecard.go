package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/edrs/internal/domain"
)

//go:embed scorecard.yaml
var defaultScorecardYAML []byte

// DefaultScorecard returns the built-in scorecard.
func DefaultScorecard() *domain.Scorecard {
	sc, err := ParseScorecard(defaultScorecardYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in scorecard is invalid: %v", err))
	}
	return sc
}

// ParseScorecard decodes a YAML scorecard.
func ParseScorecard(data []byte) (*domain.Scorecard, error) {
	var sc domain.Scorecard
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scorecard: %w", err)
	}
	return &sc, nil
}

// LoadScorecardFile reads a YAML scorecard from disk. An empty path yields
// the built-in scorecard.
func LoadScorecardFile(path string) (*domain.Scorecard, error) {
	if path == "" {
		return DefaultScorecard(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scorecard: %w", err)
	}
	return ParseScorecard(data)
}
