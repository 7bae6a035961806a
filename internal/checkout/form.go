package checkout

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"finitefield.org/storefront/internal/payments"
)

// ErrInvalidForm is matched by every ValidationError.
var ErrInvalidForm = errors.New("checkout: invalid shipping form")

// ShippingForm carries the shopper's contact and delivery details.
type ShippingForm struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
	Country   string `json:"country"`
}

type formField struct {
	name  string
	value func(ShippingForm) string
}

// requiredFields is listed in form order.
var requiredFields = []formField{
	{"email", func(f ShippingForm) string { return f.Email }},
	{"firstName", func(f ShippingForm) string { return f.FirstName }},
	{"lastName", func(f ShippingForm) string { return f.LastName }},
	{"phone", func(f ShippingForm) string { return f.Phone }},
	{"address", func(f ShippingForm) string { return f.Address }},
	{"city", func(f ShippingForm) string { return f.City }},
}

// IsSubmittable reports whether every required field is non-empty after trimming.
func IsSubmittable(form ShippingForm) bool {
	return len(MissingFields(form)) == 0
}

// MissingFields lists the required fields that are blank, in form order.
func MissingFields(form ShippingForm) []string {
	var missing []string
	for _, field := range requiredFields {
		if strings.TrimSpace(field.value(form)) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// ValidationError lists the required fields that were missing on submit.
type ValidationError struct {
	Fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkout: missing required fields: %s", strings.Join(e.Fields, ", "))
}

// Is lets errors.Is match ErrInvalidForm.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidForm
}

var (
	strictPolicy  = bluemonday.StrictPolicy()
	angleBrackets = strings.NewReplacer("<", "", ">", "")
)

// Sanitize strips markup (entity-encoded markup too) from every field, trims
// whitespace and applies the default country when none was given.
func (f ShippingForm) Sanitize(defaultCountry string) ShippingForm {
	clean := func(v string) string {
		decoded := html.UnescapeString(strings.TrimSpace(v))
		text := html.UnescapeString(strictPolicy.Sanitize(decoded))
		return strings.TrimSpace(angleBrackets.Replace(text))
	}
	out := ShippingForm{
		Email:     clean(f.Email),
		FirstName: clean(f.FirstName),
		LastName:  clean(f.LastName),
		Phone:     clean(f.Phone),
		Address:   clean(f.Address),
		City:      clean(f.City),
		State:     clean(f.State),
		ZipCode:   clean(f.ZipCode),
		Country:   clean(f.Country),
	}
	if out.Country == "" {
		out.Country = strings.TrimSpace(defaultCountry)
	}
	return out
}

// Prefill derives the gateway prefill block from the form.
func (f ShippingForm) Prefill() payments.Prefill {
	return payments.Prefill{
		Name:    strings.TrimSpace(strings.TrimSpace(f.FirstName) + " " + strings.TrimSpace(f.LastName)),
		Email:   strings.TrimSpace(f.Email),
		Contact: strings.TrimSpace(f.Phone),
	}
}
