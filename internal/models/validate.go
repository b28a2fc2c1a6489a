package models

import (
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// IDPattern matches a well-formed entity id anywhere in a string.
var IDPattern = regexp.MustCompile(`\b(?:DEC|DOC|M|S|T)-\d+\b`)

var fullIDPattern = regexp.MustCompile(`^(?:DEC|DOC|M|S|T)-\d+$`)

// Validate checks the frontmatter rules that do not depend on other
// entities: id shape, type/prefix agreement, a title and a status legal for
// the type.
func (e *Entity) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ID, validation.Required, validation.Match(fullIDPattern).Error("must look like M-001, S-001, T-001, DEC-001 or DOC-001")),
		validation.Field(&e.Type, validation.Required, validation.By(e.typeMatchesID)),
		validation.Field(&e.Title, validation.Required),
		validation.Field(&e.Status, validation.Required, validation.By(e.statusForType)),
		validation.Field(&e.DependsOn, validation.Each(validation.Match(fullIDPattern))),
		validation.Field(&e.BlockedBy, validation.Each(validation.Match(fullIDPattern))),
		validation.Field(&e.Blocks, validation.Each(validation.Match(fullIDPattern))),
		validation.Field(&e.Enables, validation.Each(validation.Match(fullIDPattern))),
		validation.Field(&e.Implements, validation.Each(validation.Match(fullIDPattern))),
		validation.Field(&e.ImplementedBy, validation.Each(validation.Match(fullIDPattern))),
	)
}

func (e *Entity) typeMatchesID(value any) error {
	t, _ := value.(EntityType)
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	if want, ok := e.ID.Type(); ok && want != t {
		return fmt.Errorf("id prefix says %s", want)
	}
	return nil
}

func (e *Entity) statusForType(value any) error {
	s, _ := value.(Status)
	if !e.Type.Valid() {
		return nil
	}
	if !s.ValidFor(e.Type) {
		return fmt.Errorf("%q is not a %s status", s, e.Type)
	}
	return nil
}

// FieldErrors flattens an ozzo validation error into field -> message.
// Other errors are returned under the empty key.
func FieldErrors(err error) map[string]string {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return map[string]string{"": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for field, fe := range verrs {
		out[field] = fe.Error()
	}
	return out
}
