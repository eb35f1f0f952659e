package config

import (
	"reflect"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Validator is implemented by configuration structs with rules beyond
// `required` tags. [Loader.Load] calls Validate on every nested section
// that implements it, innermost first, and then on the root struct, so a
// root Validate only needs the checks that span sections.
//
// An *sserr.Error is returned unchanged; any other error is wrapped with
// [sserr.CodeValidation].
//
//	func (c *Config) Validate() error {
//	    if c.MaxConcurrent < 0 {
//	        return sserr.Newf(sserr.CodeValidationRange,
//	            "orchestrator: max concurrent must not be negative, got %d", c.MaxConcurrent)
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

// validate checks required fields, then nested sections, then the root.
func validate(cfg any, rv reflect.Value) error {
	if missing := missingRequired(rv, "", nil); len(missing) > 0 {
		return sserr.Newf(sserr.CodeValidationRequired,
			"config: required fields are empty: %s", strings.Join(missing, ", ")).
			WithDetail("fields", missing)
	}
	if err := validateSections(rv, ""); err != nil {
		return err
	}
	if v, ok := cfg.(Validator); ok {
		return runValidator(v, "")
	}
	return nil
}

// missingRequired appends the dotted path ("Budget.DefaultLimit") of
// every zero field tagged `required:"true"`.
func missingRequired(rv reflect.Value, path string, missing []string) []string {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldPath := joinPath(path, sf.Name)
		if isNested(field) {
			missing = missingRequired(field, fieldPath, missing)
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			missing = append(missing, fieldPath)
		}
	}
	return missing
}

// validateSections runs the Validator of every nested struct field.
func validateSections(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() || !isNested(field) {
			continue
		}
		fieldPath := joinPath(path, sf.Name)
		if err := validateSections(field, fieldPath); err != nil {
			return err
		}
		if v, ok := field.Addr().Interface().(Validator); ok {
			if err := runValidator(v, fieldPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func runValidator(v Validator, section string) error {
	err := v.Validate()
	if err == nil {
		return nil
	}
	if ssErr, ok := sserr.AsError(err); ok {
		if section != "" {
			return ssErr.WithDetail("section", section)
		}
		return err
	}
	msg := "config: custom validation failed"
	if section != "" {
		msg = "config: validation of " + section + " failed"
	}
	return sserr.Wrap(err, sserr.CodeValidation, msg)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
