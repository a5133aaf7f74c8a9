package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	"marketplace-api/internal/model"
	"marketplace-api/pkg/apierror"
)

const DefaultPhoneRegion = "NG"

var (
	errInvalidPhone = errors.New("must be a valid phone number")
	errBlank        = errors.New("cannot be blank")
)

// registrationFields is the order in which offending fields are reported.
var registrationFields = []string{"first_name", "last_name", "email", "phone_number", "password"}

// normalizePhone parses raw against region and returns it in E.164 form.
func normalizePhone(raw string, region string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), region)
	if err != nil {
		return "", errInvalidPhone
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", errInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// notBlank rejects values made only of whitespace, which Required lets through.
func notBlank(value interface{}) error {
	s, _ := value.(string)
	if s != "" && strings.TrimSpace(s) == "" {
		return errBlank
	}
	return nil
}

func phoneRule(region string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if strings.TrimSpace(s) == "" {
			return nil
		}
		_, err := normalizePhone(s, region)
		return err
	}
}

// validateRegistration reports every blank required field in one error, then
// any format problems.
func validateRegistration(req model.RegisterRequest, region string) error {
	err := validation.ValidateStruct(&req,
		validation.Field(&req.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&req.PhoneNumber, validation.Required, validation.By(phoneRule(region))),
		validation.Field(&req.Password, validation.Required, validation.By(notBlank), validation.Length(1, 72)),
	)
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return apierror.Internal(fmt.Errorf("validate registration: %w", err))
	}

	values := map[string]string{
		"first_name":   req.FirstName,
		"last_name":    req.LastName,
		"email":        req.Email,
		"phone_number": req.PhoneNumber,
		"password":     req.Password,
	}

	var missing, invalid []string
	for _, field := range registrationFields {
		if _, failed := fieldErrs[field]; !failed {
			continue
		}
		if strings.TrimSpace(values[field]) == "" {
			missing = append(missing, field)
		} else {
			invalid = append(invalid, field)
		}
	}

	if len(missing) > 0 {
		return apierror.Validation("missing required fields", missing...)
	}
	return invalidFields(fieldErrs, invalid)
}

func invalidFields(fieldErrs validation.Errors, fields []string) error {
	details := make([]string, 0, len(fields))
	for _, field := range fields {
		details = append(details, field+": "+fieldErrs[field].Error())
	}
	apiErr := apierror.Validation("invalid fields", fields...)
	apiErr.Details = strings.Join(details, "; ")
	return apiErr
}

// validatePatch checks the non-nil fields of patch and normalizes them in place.
func validatePatch(patch *model.UserPatch, region string) error {
	fieldErrs := validation.Errors{}

	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if err := validation.Validate(email, validation.Required, validation.Length(3, 254), is.Email); err != nil {
			fieldErrs["email"] = err
		}
		patch.Email = &email
	}

	if patch.PhoneNumber != nil {
		if err := validation.Validate(strings.TrimSpace(*patch.PhoneNumber), validation.Required); err != nil {
			fieldErrs["phone_number"] = err
		} else if normalized, err := normalizePhone(*patch.PhoneNumber, region); err != nil {
			fieldErrs["phone_number"] = err
		} else {
			patch.PhoneNumber = &normalized
		}
	}

	if patch.Status != nil && !patch.Status.Valid() {
		fieldErrs["status"] = errors.New("must be one of new, active, inactive, loyal")
	}

	if len(fieldErrs) == 0 {
		return nil
	}

	fields := make([]string, 0, len(fieldErrs))
	for field := range fieldErrs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return invalidFields(fieldErrs, fields)
}
