// Package classify routes queries to the vector index, the structured
// table index, or both. Routing is pure regex and string work so it
// stays deterministic and well under a millisecond per query.
package classify

import "regexp"

// Classification is the routing decision for one query.
type Classification string

const (
	VectorOnly Classification = "VECTOR_ONLY"
	SQLOnly    Classification = "SQL_ONLY"
	Hybrid     Classification = "HYBRID"
)

var (
	tableKeywords = regexp.MustCompile(`(?i)\b(table|row|column|cell)\b`)

	// Interrogative and analytical openers. "what" is included so that
	// question-form metric lookups route to both indexes instead of
	// tables alone.
	semanticKeywords = regexp.MustCompile(`(?i)\b(explain|summarize|summarise|why|describe|compare|analyze|analyse|how|what)\b`)

	precisionKeywords = regexp.MustCompile(`(?i)\b(exact|precise|specific)\b`)

	metricTerms = regexp.MustCompile(`(?i)\b(` +
		`variable cost|fixed cost|per ton|raw materials|` +
		`revenue|ebitda|margin|cost|expense|expenses|capex|opex|` +
		`profit|income|sales|earnings|cash flow|` +
		`production|volume|output|utilization|headcount|fte|employees` +
		`)\b`)

	temporalTerms = regexp.MustCompile(`(?i)\b(` +
		`q[1-4]|h[12]|ytd|fy\s*\d{2,4}|` +
		`january|february|march|april|may|june|july|august|september|october|november|december|` +
		`last (quarter|year|month)|this (quarter|year|month)|next (quarter|year)|year over year|` +
		`current|latest|recent|historical|` +
		`(19|20)\d{2}` +
		`)\b`)

	dateFormats = regexp.MustCompile(`\b\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b`)

	numericRef = regexp.MustCompile(`\d`)
)

// Classifier applies a fixed first-match decision tree over keyword
// pattern sets. The version tag travels with every query record so
// routing changes can be compared across deployments.
type Classifier struct {
	version string
}

// New returns a Classifier tagged with the given version (e.g. "v1").
func New(version string) *Classifier {
	if version == "" {
		version = "v1"
	}
	return &Classifier{version: version}
}

// Version returns the classifier version tag.
func (c *Classifier) Version() string { return c.version }

// Classify routes a query. The empty query and anything matching no
// pattern fall through to HYBRID, never to VECTOR_ONLY.
func (c *Classifier) Classify(query string) Classification {
	if query == "" {
		return Hybrid
	}

	table := tableKeywords.MatchString(query)
	semantic := semanticKeywords.MatchString(query)
	precision := precisionKeywords.MatchString(query)
	metric := metricTerms.MatchString(query)
	temporal := temporalTerms.MatchString(query) || dateFormats.MatchString(query)
	numeric := numericRef.MatchString(query)

	switch {
	case table && !semantic:
		return SQLOnly
	case table && semantic:
		return Hybrid
	case semantic && (metric || temporal || numeric):
		return Hybrid
	case semantic:
		return VectorOnly
	case metric && temporal:
		return SQLOnly
	case precision && metric && temporal:
		return SQLOnly
	default:
		return Hybrid
	}
}
