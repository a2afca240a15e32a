package schema

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed schemas.yaml
var catalogYAML []byte

// Registry holds the immutable parameter catalog, loaded once from the
// embedded YAML document.
type Registry struct {
	schemas  map[string]*Schema
	validate *validator.Validate
}

type catalog struct {
	ResourceTypes []Schema `yaml:"resourceTypes"`
}

var (
	amiPattern       = regexp.MustCompile(`^ami-[0-9a-fA-F]{8}([0-9a-fA-F]{9})?$`)
	bucketPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	dbIdentPattern   = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)
	instanceTypePat  = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z0-9]+$`)
	dbInstanceClsPat = regexp.MustCompile(`^db\.[a-z0-9]+\.[a-z0-9]+$`)
)

// NewRegistry parses the embedded catalog and registers the custom
// validators the catalog's validate tags rely on.
func NewRegistry() (*Registry, error) {
	var cat catalog
	if err := yaml.Unmarshal(catalogYAML, &cat); err != nil {
		return nil, fmt.Errorf("parsing schema catalog: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("image_id", func(fl validator.FieldLevel) bool {
		return amiPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("bucket_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return bucketPattern.MatchString(name) && !strings.Contains(name, "..")
	}); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("db_identifier", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return dbIdentPattern.MatchString(id) &&
			!strings.Contains(id, "--") && !strings.HasSuffix(id, "-")
	}); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("instance_type", func(fl validator.FieldLevel) bool {
		return instanceTypePat.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("db_instance_class", func(fl validator.FieldLevel) bool {
		return dbInstanceClsPat.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	r := &Registry{
		schemas:  make(map[string]*Schema, len(cat.ResourceTypes)),
		validate: v,
	}
	for i := range cat.ResourceTypes {
		s := cat.ResourceTypes[i]
		if s.ResourceType == "" || len(s.Fields) == 0 {
			return nil, fmt.Errorf("schema catalog: entry %d is incomplete", i)
		}
		if _, dup := r.schemas[s.ResourceType]; dup {
			return nil, fmt.Errorf("schema catalog: duplicate resource type %q", s.ResourceType)
		}
		r.schemas[s.ResourceType] = &s
	}
	return r, nil
}

// Get looks up the schema for a resource type.
func (r *Registry) Get(resourceType string) (*Schema, bool) {
	s, ok := r.schemas[resourceType]
	return s, ok
}

// Types returns all known resource types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateValue normalizes, converts and validates a raw candidate value for
// one field. It returns the typed value on success. Unknown resource types
// and unknown fields are errors, never silently accepted.
func (r *Registry) ValidateValue(resourceType, field, raw string) (any, error) {
	s, ok := r.Get(resourceType)
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	f, ok := s.Field(field)
	if !ok {
		return nil, &ValidationError{
			ResourceType: resourceType,
			Field:        field,
			Reason:       "no such parameter",
		}
	}

	normalized := f.normalizeRaw(raw)
	val, err := f.convert(normalized)
	if err != nil {
		return nil, &ValidationError{
			ResourceType: resourceType,
			Field:        field,
			Value:        raw,
			Reason:       err.Error(),
		}
	}
	if f.Validate != "" && f.Type != TypeJSON {
		if err := r.validate.Var(val, f.Validate); err != nil {
			return nil, &ValidationError{
				ResourceType: resourceType,
				Field:        field,
				Value:        raw,
				Reason:       reasonForTag(f, err),
			}
		}
	}
	return val, nil
}

// reasonForTag renders a validator failure as a user-facing sentence.
func reasonForTag(f *FieldSpec, err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "min":
		if f.Type == TypeInt {
			return fmt.Sprintf("must be at least %s", fe.Param())
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		if f.Type == TypeInt {
			return fmt.Sprintf("must be at most %s", fe.Param())
		}
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "alphanum":
		return "may contain only letters and digits"
	case "image_id":
		return "must look like ami- followed by 8 or 17 hex characters"
	case "bucket_name":
		return "must be 3-63 lowercase characters, start and end alphanumeric"
	case "db_identifier":
		return "must start with a letter, use lowercase letters, digits and single hyphens"
	case "instance_type":
		return "must look like t3.micro (family, dot, size)"
	case "db_instance_class":
		return "must look like db.t3.micro"
	}
	return fmt.Sprintf("failed %s check", fe.Tag())
}
