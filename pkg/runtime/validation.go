package runtime

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

const MaxDeviceIdLength = 64

// ValidateDeviceId checks an id before it is templated into topic names.
func ValidateDeviceId(id string, path *field.Path) field.ErrorList {
	var allErrs field.ErrorList
	switch {
	case len(id) == 0:
		allErrs = append(allErrs, field.Required(path, ""))
	case len(id) > MaxDeviceIdLength:
		allErrs = append(allErrs, field.TooLong(path, id, MaxDeviceIdLength))
	case strings.ContainsAny(id, "+#/ \t\n"):
		allErrs = append(allErrs, field.Invalid(path, id, "must not contain '+', '#', '/' or whitespace"))
	}
	return allErrs
}
