package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// an offer edit must change something
	v.RegisterStructValidation(updateOfferStructValidation, UpdateOfferRequest{})

	return v
}

func updateOfferStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(UpdateOfferRequest)
	if req.Title == nil && req.Description == nil && req.Price == nil && req.Images == nil {
		sl.ReportError(req.Title, "title", "Title", "at_least_one_field", "")
	}
}
