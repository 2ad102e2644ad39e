// Package narrative maps risk buckets and breach types to pre-approved legal
// passages citing a closed set of KUHPerdata articles.
package narrative

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/edrs/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Article is one whitelisted civil-code article.
type Article struct {
	ID       string `json:"id" yaml:"id"`
	Group    string `json:"group" yaml:"group"`
	Citation string `json:"citation" yaml:"citation"`
}

type entryFile struct {
	Bucket   domain.RiskBucket `yaml:"bucket"`
	Opening  []string          `yaml:"opening"`
	Closing  []string          `yaml:"closing"`
	Articles []string          `yaml:"articles"`
	Action   string            `yaml:"action"`
}

type catalogFile struct {
	Version  string                         `yaml:"version"`
	Articles []Article                      `yaml:"articles"`
	Clauses  map[string]string              `yaml:"clauses"`
	Breaches map[domain.BreachType][]string `yaml:"breaches"`
	Entries  []entryFile                    `yaml:"entries"`
}

type key struct {
	bucket domain.RiskBucket
	breach domain.BreachType
}

// Catalog is the read-only narrative table. Every passage is composed when
// the catalog is loaded, so Lookup only ever returns stored text.
type Catalog struct {
	version  string
	articles []Article
	passages map[key]domain.Narrative
	buckets  []domain.RiskBucket
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in narrative catalog is invalid: %v", err))
	}
	return c
}

// LoadFile reads a YAML catalog from disk. An empty path yields Default().
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read narrative catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse narrative catalog: %w", err)
	}
	return build(&f)
}

func build(f *catalogFile) (*Catalog, error) {
	if f.Version == "" {
		return nil, fmt.Errorf("narrative catalog: version is required")
	}

	citations := make(map[string]string, len(f.Articles))
	for _, a := range f.Articles {
		if a.ID == "" || strings.TrimSpace(a.Citation) == "" {
			return nil, fmt.Errorf("narrative catalog: article %q needs id and citation", a.ID)
		}
		if _, dup := citations[a.ID]; dup {
			return nil, fmt.Errorf("narrative catalog: article %s listed twice", a.ID)
		}
		citations[a.ID] = strings.TrimSpace(a.Citation)
	}

	clause := func(id string) (string, error) {
		text := strings.TrimSpace(f.Clauses[id])
		if text == "" {
			return "", fmt.Errorf("narrative catalog: clause %q is not defined", id)
		}
		return text, nil
	}

	for name := range f.Breaches {
		if !slices.Contains(domain.BreachTypes, name) {
			return nil, fmt.Errorf("narrative catalog: unknown breach type %q", name)
		}
	}
	for _, b := range domain.BreachTypes {
		if _, ok := f.Breaches[b]; !ok {
			return nil, fmt.Errorf("narrative catalog: breach type %q has no clause list", b)
		}
	}

	c := &Catalog{
		version:  f.Version,
		articles: f.Articles,
		passages: make(map[key]domain.Narrative),
	}

	for _, e := range f.Entries {
		if e.Bucket == "" {
			return nil, fmt.Errorf("narrative catalog: entry without bucket")
		}
		if slices.Contains(c.buckets, e.Bucket) {
			return nil, fmt.Errorf("narrative catalog: bucket %q listed twice", e.Bucket)
		}
		if len(e.Opening) == 0 {
			return nil, fmt.Errorf("narrative catalog: bucket %q has no opening clauses", e.Bucket)
		}
		if len(e.Articles) == 0 {
			return nil, fmt.Errorf("narrative catalog: bucket %q cites no article", e.Bucket)
		}
		if strings.TrimSpace(e.Action) == "" {
			return nil, fmt.Errorf("narrative catalog: bucket %q has no next action", e.Bucket)
		}

		cited := make([]string, 0, len(e.Articles))
		for _, id := range e.Articles {
			citation, ok := citations[id]
			if !ok {
				return nil, fmt.Errorf("narrative catalog: bucket %q cites article %s outside the whitelist", e.Bucket, id)
			}
			cited = append(cited, citation)
		}

		for _, breach := range domain.BreachTypes {
			ids := slices.Concat(e.Opening, f.Breaches[breach], e.Closing)
			sentences := make([]string, 0, len(ids)+1)
			for _, id := range ids {
				text, err := clause(id)
				if err != nil {
					return nil, err
				}
				sentences = append(sentences, text)
			}
			sentences = append(sentences, citationSentence(cited))

			c.passages[key{e.Bucket, breach}] = domain.Narrative{
				Text:       strings.Join(sentences, " "),
				Articles:   slices.Clone(e.Articles),
				NextAction: strings.TrimSpace(e.Action),
			}
		}
		c.buckets = append(c.buckets, e.Bucket)
	}

	if len(c.buckets) == 0 {
		return nil, fmt.Errorf("narrative catalog: no entries")
	}
	return c, nil
}

func citationSentence(citations []string) string {
	var list string
	switch n := len(citations); n {
	case 1:
		list = citations[0]
	default:
		list = strings.Join(citations[:n-1], ", ") + " serta " + citations[n-1]
	}
	return "Rujukan pasal yang relevan adalah " + list + "."
}

// Version returns the catalog version.
func (c *Catalog) Version() string { return c.version }

// Lookup returns the passage for a bucket and breach type.
func (c *Catalog) Lookup(bucket domain.RiskBucket, breach domain.BreachType) (domain.Narrative, error) {
	n, ok := c.passages[key{bucket, breach}]
	if !ok {
		return domain.Narrative{}, &domain.LookupError{Bucket: bucket, Breach: breach}
	}
	n.Articles = slices.Clone(n.Articles)
	return n, nil
}

// NextAction returns the recommended collection action for a bucket.
func (c *Catalog) NextAction(bucket domain.RiskBucket) (string, error) {
	n, err := c.Lookup(bucket, domain.BreachNone)
	if err != nil {
		return "", err
	}
	return n.NextAction, nil
}

// Covers fails with a LookupError when any bucket has no entry.
func (c *Catalog) Covers(buckets []domain.RiskBucket) error {
	for _, b := range buckets {
		for _, breach := range domain.BreachTypes {
			if _, err := c.Lookup(b, breach); err != nil {
				return fmt.Errorf("narrative catalog %s does not cover the scorecard: %w", c.version, err)
			}
		}
	}
	return nil
}

// Articles returns the whitelisted articles in catalog order.
func (c *Catalog) Articles() []Article {
	return slices.Clone(c.articles)
}

// Buckets returns the buckets the catalog has entries for.
func (c *Catalog) Buckets() []domain.RiskBucket {
	return slices.Clone(c.buckets)
}

// Passages returns every approved passage, sorted and without duplicates.
func (c *Catalog) Passages() []string {
	seen := make(map[string]bool, len(c.passages))
	out := make([]string, 0, len(c.passages))
	for _, n := range c.passages {
		if !seen[n.Text] {
			seen[n.Text] = true
			out = append(out, n.Text)
		}
	}
	sort.Strings(out)
	return out
}

// Approved reports whether text is one of the catalog passages.
func (c *Catalog) Approved(text string) bool {
	for _, n := range c.passages {
		if n.Text == text {
			return true
		}
	}
	return false
}
