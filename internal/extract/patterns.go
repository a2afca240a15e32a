package extract

import (
	"regexp"
	"strings"

	"github.com/terrachat-io/terrachat/internal/schema"
)

type candidate struct {
	field string
	raw   string
}

var (
	keyValuePat = regexp.MustCompile(`([A-Za-z][A-Za-z0-9]*)\s*[:=]\s*("[^"]*"|\S+)`)
	namedPat    = regexp.MustCompile(`(?i)\b(?:named?|called?)\s+(?:it\s+)?"?([A-Za-z0-9._/-]+)"?`)
	amiPat      = regexp.MustCompile(`\bami-[0-9a-fA-F]{8,17}\b`)
	instTypePat = regexp.MustCompile(`\b(db\.)?[a-z][a-z0-9]*\.(?:nano|micro|small|medium|large|xlarge|\d+xlarge|metal)\b`)
	azPat       = regexp.MustCompile(`\b[a-z]{2}-[a-z]+-\d[a-f]\b`)
	volTypePat  = regexp.MustCompile(`(?i)\b(gp2|gp3|io1|io2|st1|sc1|standard|ssd|magnetic)\b`)
	enginePat   = regexp.MustCompile(`(?i)\b(postgresql|postgres|mysql|mariadb)\b`)
	sizePat     = regexp.MustCompile(`(?i)\b(\d+)\s*(?:gb|gib|gigabytes?)\b`)
	singleToken = regexp.MustCompile(`^\S+$`)
)

// sizeFields decides which size field swallows the first bare "<n> GB"
// mention; order follows the catalog's prompt order.
var sizeFields = []string{"allocatedStorage", "rootVolumeSize", "dataVolumeSize"}

// patternCandidates runs the deterministic extraction rules. Candidates are
// emitted most-specific first; the caller ignores duplicates and anything
// that fails validation.
func patternCandidates(s *schema.Schema, req Request) []candidate {
	text := strings.TrimSpace(req.Utterance)
	var out []candidate

	// Explicit key=value or key: value assignments.
	for _, m := range keyValuePat.FindAllStringSubmatch(text, -1) {
		if f, ok := fieldByName(s, m[1]); ok {
			out = append(out, candidate{f.Name, strings.Trim(m[2], `"`)})
		}
	}

	// A single-token reply binds to the field the user was just asked for.
	if req.PendingField != "" && singleToken.MatchString(text) {
		if f, ok := s.Field(req.PendingField); ok {
			out = append(out, candidate{f.Name, text})
		}
	}

	if m := amiPat.FindString(text); m != "" {
		if _, ok := s.Field("ami"); ok {
			out = append(out, candidate{"ami", m})
		}
	}

	for _, m := range instTypePat.FindAllStringSubmatch(text, -1) {
		if m[1] == "db." {
			if _, ok := s.Field("instanceClass"); ok {
				out = append(out, candidate{"instanceClass", m[0]})
			}
			continue
		}
		if _, ok := s.Field("instanceType"); ok {
			out = append(out, candidate{"instanceType", m[0]})
		}
	}

	if m := azPat.FindString(text); m != "" {
		if _, ok := s.Field("availabilityZone"); ok {
			out = append(out, candidate{"availabilityZone", m})
		}
	}

	if m := volTypePat.FindString(text); m != "" {
		if _, ok := s.Field("rootVolumeType"); ok {
			out = append(out, candidate{"rootVolumeType", m})
		}
	}

	if m := enginePat.FindString(text); m != "" {
		if _, ok := s.Field("engine"); ok {
			out = append(out, candidate{"engine", strings.ToLower(m)})
		}
	}

	if m := namedPat.FindStringSubmatch(text); m != nil {
		if f, ok := firstNameField(s, req.Have); ok {
			out = append(out, candidate{f, m[1]})
		}
	}

	sizes := sizePat.FindAllStringSubmatch(text, -1)
	idx := 0
	for _, fname := range sizeFields {
		if idx >= len(sizes) {
			break
		}
		if _, ok := s.Field(fname); !ok {
			continue
		}
		if _, filled := req.Have[fname]; filled {
			continue
		}
		out = append(out, candidate{fname, sizes[idx][1]})
		idx++
	}

	return out
}

// dedicatedPats pairs fields with the pattern that exclusively recognizes
// their value shape. A miss on one of these is a confident absence: the
// value could not have appeared in any other form.
var dedicatedPats = map[string]*regexp.Regexp{
	"ami":              amiPat,
	"availabilityZone": azPat,
	"instanceType":     instTypePat,
	"instanceClass":    instTypePat,
	"rootVolumeType":   volTypePat,
	"engine":           enginePat,
}

// absentFields lists schema fields whose dedicated pattern matched nothing
// in the utterance.
func absentFields(s *schema.Schema, text string) []string {
	var out []string
	for _, f := range s.Fields {
		pat, ok := dedicatedPats[f.Name]
		if !ok {
			continue
		}
		if !pat.MatchString(text) {
			out = append(out, f.Name)
		}
	}
	return out
}

func fieldByName(s *schema.Schema, name string) (*schema.FieldSpec, bool) {
	for i := range s.Fields {
		if strings.EqualFold(s.Fields[i].Name, name) {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// firstNameField finds the first unfilled field that holds a resource name.
func firstNameField(s *schema.Schema, have map[string]any) (string, bool) {
	for _, f := range s.Fields {
		lower := strings.ToLower(f.Name)
		if !strings.Contains(lower, "name") && lower != "identifier" {
			continue
		}
		if _, filled := have[f.Name]; filled {
			continue
		}
		return f.Name, true
	}
	return "", false
}
