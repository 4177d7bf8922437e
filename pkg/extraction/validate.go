package extraction

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dan-solli/graphrag/pkg/store"
)

const (
	// DefaultStrength is used when a relationship arrives without a strength.
	DefaultStrength = 5.0
	// DefaultConfidence is used when the model omits a confidence.
	DefaultConfidence = 0.5

	maxNameLength = 200
)

// Quarantined is a mention rejected at the boundary, kept for logging.
type Quarantined struct {
	Kind   string // "entity" or "relationship"
	Index  int
	Name   string
	Reason string
}

func (q Quarantined) String() string {
	return fmt.Sprintf("%s[%d] %q: %s", q.Kind, q.Index, q.Name, q.Reason)
}

// Validate normalizes raw extractor output into well-formed mentions.
//
// Entities need a non-empty name; types fold onto the closed entity type set and
// confidence is clamped to [0,1]. Mentions of the same name (compared by
// store.NameKey) collapse into one, keeping the higher-confidence description. Relationships need
// both endpoints among the validated entities, distinct endpoints and a type;
// strength is clamped to [1,10]. Duplicate (source, target, type) triples collapse
// into one, keeping the strongest.
//
// Everything rejected is returned as quarantined instead of failing the whole payload.
func Validate(raw Result) (Result, []Quarantined) {
	var (
		out        Result
		quarantine []Quarantined
	)

	byName := make(map[string]int)
	for i, e := range raw.Entities {
		name := cleanName(e.CanonicalName)
		switch {
		case name == "":
			quarantine = append(quarantine, Quarantined{Kind: "entity", Index: i, Reason: "empty canonical name"})
			continue
		case utf8.RuneCountInString(name) > maxNameLength:
			quarantine = append(quarantine, Quarantined{Kind: "entity", Index: i, Name: truncate(name, 40), Reason: "canonical name too long"})
			continue
		case isNaN(e.Confidence):
			quarantine = append(quarantine, Quarantined{Kind: "entity", Index: i, Name: name, Reason: "confidence is not a number"})
			continue
		}

		entity := ExtractedEntity{
			CanonicalName: name,
			EntityType:    store.NormalizeEntityType(e.EntityType),
			Description:   strings.TrimSpace(e.Description),
			Confidence:    clampConfidence(e.Confidence),
			MentionText:   strings.TrimSpace(e.MentionText),
		}
		if entity.MentionText == "" {
			entity.MentionText = name
		}

		key := store.NameKey(name)
		if j, ok := byName[key]; ok {
			out.Entities[j] = mergeMentions(out.Entities[j], entity)
			continue
		}
		byName[key] = len(out.Entities)
		out.Entities = append(out.Entities, entity)
	}

	byTriple := make(map[string]int)
	for i, r := range raw.Relationships {
		src := cleanName(r.SourceEntity)
		dst := cleanName(r.TargetEntity)
		relType := NormalizeRelationshipType(r.RelationshipType)
		label := src + " -> " + dst

		reason := ""
		si, srcOK := byName[store.NameKey(src)]
		di, dstOK := byName[store.NameKey(dst)]
		switch {
		case src == "" || dst == "":
			reason = "missing endpoint"
		case !srcOK:
			reason = fmt.Sprintf("unknown source entity %q", src)
		case !dstOK:
			reason = fmt.Sprintf("unknown target entity %q", dst)
		case si == di:
			reason = "self-referential relationship"
		case relType == "":
			reason = "empty relationship type"
		case isNaN(r.Strength) || isNaN(r.Confidence):
			reason = "strength or confidence is not a number"
		}
		if reason != "" {
			quarantine = append(quarantine, Quarantined{Kind: "relationship", Index: i, Name: label, Reason: reason})
			continue
		}

		strength := r.Strength
		if strength == 0 {
			strength = DefaultStrength
		}
		rel := ExtractedRelationship{
			// Endpoints take the canonical spelling of the entity they resolved to.
			SourceEntity:     out.Entities[si].CanonicalName,
			TargetEntity:     out.Entities[di].CanonicalName,
			RelationshipType: relType,
			Description:      strings.TrimSpace(r.Description),
			Strength:         store.ClampStrength(strength),
			Confidence:       clampConfidence(r.Confidence),
		}

		key := store.NameKey(rel.SourceEntity) + "\x00" + store.NameKey(rel.TargetEntity) + "\x00" + relType
		if j, ok := byTriple[key]; ok {
			if rel.Strength > out.Relationships[j].Strength {
				out.Relationships[j] = rel
			}
			continue
		}
		byTriple[key] = len(out.Relationships)
		out.Relationships = append(out.Relationships, rel)
	}

	if out.Entities == nil {
		out.Entities = []ExtractedEntity{}
	}
	if out.Relationships == nil {
		out.Relationships = []ExtractedRelationship{}
	}
	return out, quarantine
}

// NormalizeRelationshipType lower-cases a relationship label and joins its words
// with underscores ("Integrates With" becomes "integrates_with").
func NormalizeRelationshipType(t string) string {
	fields := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	})
	return strings.Join(fields, "_")
}

// Merge combines per-chunk results into one, then validates the union.
func Merge(parts ...Result) (Result, []Quarantined) {
	var all Result
	for _, p := range parts {
		all.Entities = append(all.Entities, p.Entities...)
		all.Relationships = append(all.Relationships, p.Relationships...)
	}
	return Validate(all)
}

// SortedNames returns the canonical names in r, sorted. Used for logging.
func SortedNames(r Result) []string {
	names := make([]string, len(r.Entities))
	for i, e := range r.Entities {
		names[i] = e.CanonicalName
	}
	sort.Strings(names)
	return names
}

func mergeMentions(existing, next ExtractedEntity) ExtractedEntity {
	if next.Confidence > existing.Confidence {
		next.CanonicalName = existing.CanonicalName
		if next.Description == "" {
			next.Description = existing.Description
		}
		return next
	}
	if existing.Description == "" {
		existing.Description = next.Description
	}
	return existing
}

// cleanName trims and collapses internal whitespace.
func cleanName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func isNaN(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
