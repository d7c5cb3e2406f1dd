package services

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"ref-keeper/models"
)

// ErrMalformedIdentifier marks input without any type:value shape.
var ErrMalformedIdentifier = errors.New("malformed identifier string")

var (
	doiPrefixRe      = regexp.MustCompile(`(?i)^(https?://(dx\.)?doi\.org/|doi:)\s*`)
	jsessionidRe     = regexp.MustCompile(`(?i);jsessionid=.*$`)
	trackingRe       = regexp.MustCompile(`(?i)[&;](utm_[a-z]+|mc_cid|mc_eid)=.*$`)
	openalexPrefixRe = regexp.MustCompile(`(?i)^https?://openalex\.org/`)
)

// doiPathSuffixes are viewer-path suffixes publishers append to DOI URLs.
var doiPathSuffixes = []string{"/pdf", "/abstract", "/full", "/epdf", "/summary"}

const trailingPunct = ".,;:!?)]}>'\""

// funderRegistryPrefix marks funder-registry DOIs, shared across many works.
const funderRegistryPrefix = "10.13039/"

// ParseIdentifier parses "type:value" or "other:name:value".
func ParseIdentifier(raw string) (models.ExternalIdentifier, error) {
	raw = strings.TrimSpace(raw)
	typ, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return models.ExternalIdentifier{}, ErrMalformedIdentifier
	}

	id := models.ExternalIdentifier{RawValue: rest}
	switch models.IdentifierType(strings.ToLower(strings.TrimSpace(typ))) {
	case models.IdentifierOpenAlex:
		id.Type = models.IdentifierOpenAlex
	case models.IdentifierDOI:
		id.Type = models.IdentifierDOI
	case models.IdentifierPMID:
		id.Type = models.IdentifierPMID
	case models.IdentifierERIC:
		id.Type = models.IdentifierERIC
	case models.IdentifierOther:
		id.Type = models.IdentifierOther
		if name, value, ok := strings.Cut(rest, ":"); ok && value != "" {
			id.OtherName = strings.ToLower(strings.TrimSpace(name))
			id.RawValue = value
		}
	default:
		// Unknown schemes fall into the "other" escape variant.
		id.Type = models.IdentifierOther
		id.OtherName = strings.ToLower(strings.TrimSpace(typ))
	}

	return Normalize(id), nil
}

// Normalize cleans the raw value per type and derives the Safe flag.
// Unusable values come back unsafe, not rejected.
func Normalize(id models.ExternalIdentifier) models.ExternalIdentifier {
	switch id.Type {
	case models.IdentifierDOI:
		id.Value = CleanDOI(id.RawValue)
		id.Safe = id.Value != "" && SafeDOI(id.Value)
	case models.IdentifierPMID:
		id.Value = digitsOnly(id.RawValue)
		id.Safe = id.Value != ""
	case models.IdentifierOpenAlex:
		v := openalexPrefixRe.ReplaceAllString(strings.TrimSpace(id.RawValue), "")
		id.Value = strings.ToUpper(v)
		id.Safe = id.Value != ""
	case models.IdentifierERIC:
		id.Value = strings.ToUpper(strings.TrimSpace(id.RawValue))
		id.Safe = id.Value != ""
	default:
		id.Value = strings.TrimSpace(id.RawValue)
		id.Safe = id.Value != ""
	}
	return id
}

// CleanDOI runs the ordered DOI cleanup pipeline. Applying it twice yields the
// same result as applying it once.
func CleanDOI(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))

	// 1. Unescape HTML entities. Bounded fixpoint so double-escaped input
	//    ("&amp;amp;") still lands on a stable form.
	for i := 0; i < 4; i++ {
		u := html.UnescapeString(s)
		if u == s {
			break
		}
		s = u
	}

	// 2. Resolver URL and scheme prefixes.
	s = doiPrefixRe.ReplaceAllString(s, "")

	// 3. Trailing HTML tag fragments.
	if i := strings.Index(s, "<"); i >= 0 {
		s = s[:i]
	}

	// 4. Query and fragment suffixes.
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "#"); i >= 0 {
		s = s[:i]
	}

	// 5. Session markers.
	s = jsessionidRe.ReplaceAllString(s, "")

	// 6. Tracking fragments that arrive without a leading "?".
	s = trackingRe.ReplaceAllString(s, "")

	// 7+8. Known viewer path suffixes and trailing punctuation. Run to a joint
	// fixpoint: stripping punctuation can expose a suffix ("/pdf.") and the
	// pipeline must land on the same value no matter how often it is applied.
	for {
		before := s
		for _, suf := range doiPathSuffixes {
			if strings.HasSuffix(s, suf) {
				s = strings.TrimSuffix(s, suf)
			}
		}
		s = strings.TrimRight(s, trailingPunct)
		if s == before {
			break
		}
	}

	return strings.TrimSpace(s)
}

// SafeDOI reports whether a cleaned DOI may drive shortcut matching.
// Funder-registry DOIs and template markers match unrelated works.
func SafeDOI(cleaned string) bool {
	if strings.HasPrefix(cleaned, funderRegistryPrefix) {
		return false
	}
	if strings.Contains(cleaned, "%") {
		return false
	}
	return true
}

func digitsOnly(s string) string {
	var out strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// ParseIdentifiers normalizes a batch, dropping malformed entries and
// collapsing aliases of the same (type, value). Dropped counts malformed only.
func ParseIdentifiers(raw []string) ([]models.ExternalIdentifier, int) {
	ids := make([]models.ExternalIdentifier, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	dropped := 0
	for _, r := range raw {
		id, err := ParseIdentifier(r)
		if err != nil {
			dropped++
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		ids = append(ids, id)
	}
	return ids, dropped
}
