package authkit

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const maxPasswordBytes = 72

var (
	mobilePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^010-\d{4}-\d{4}$`),
		regexp.MustCompile(`^010\d{8}$`),
		regexp.MustCompile(`^\+8210\d{8}$`),
	}
	nationalIDPattern = regexp.MustCompile(`^\d{6}-\d{7}$`)
	nonDigits         = regexp.MustCompile(`\D`)

	requestValidator = newRequestValidator()
)

// SignupRequest carries the fields required to create a local credential record.
type SignupRequest struct {
	ID                string `json:"id" validate:"required,email,max=100"`
	Password          string `json:"password" validate:"required,password_policy"`
	Name              string `json:"name" validate:"required,max=20"`
	Nickname          string `json:"nickname" validate:"required,min=2,max=40"`
	PhoneNumber       string `json:"phone_number" validate:"required,kr_mobile"`
	NationalID        string `json:"national_id" validate:"required,national_id"`
	IsTermsAgreed     bool   `json:"is_terms_agreed"`
	IsPrivacyAgreed   bool   `json:"is_privacy_agreed"`
	IsMarketingAgreed bool   `json:"is_marketing_agreed"`
	ChronicDisease    string `json:"chronic_disease" validate:"max=200"`
}

// ProfileUpdate carries the optional profile fields a subject may change.
type ProfileUpdate struct {
	Nickname          *string `json:"nickname" validate:"omitempty,min=2,max=40"`
	PhoneNumber       *string `json:"phone_number" validate:"omitempty,kr_mobile"`
	IsMarketingAgreed *bool   `json:"is_marketing_agreed"`
	ChronicDisease    *string `json:"chronic_disease" validate:"omitempty,max=200"`
}

// ResetPasswordRequest carries the out-of-band proof required to reset a password.
type ResetPasswordRequest struct {
	ID          string `json:"id" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	Name        string `json:"name" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required,kr_mobile"`
	NewPassword string `json:"new_password" validate:"required,password_policy"`
}

func newRequestValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = validate.RegisterValidation("password_policy", func(fieldLevel validator.FieldLevel) bool {
		return passwordPolicyViolation(fieldLevel.Field().String()) == ""
	})
	_ = validate.RegisterValidation("kr_mobile", func(fieldLevel validator.FieldLevel) bool {
		return IsMobileNumber(fieldLevel.Field().String())
	})
	_ = validate.RegisterValidation("national_id", func(fieldLevel validator.FieldLevel) bool {
		return nationalIDPattern.MatchString(fieldLevel.Field().String())
	})
	return validate
}

// ValidateRequest runs struct validation and returns the first failure as a *ValidationError.
func ValidateRequest(request any) error {
	err := requestValidator.Struct(request)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return &ValidationError{Field: "request", Message: err.Error()}
	}
	first := fieldErrors[0]
	return &ValidationError{Field: first.Field(), Message: describeFieldError(first)}
}

// ValidateEmail requires value to be a well-formed email address.
func ValidateEmail(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if err := requestValidator.Var(value, "email,max=100"); err != nil {
		return &ValidationError{Field: field, Message: "must be an email address"}
	}
	return nil
}

// ValidatePassword applies the password policy to a single value.
func ValidatePassword(field string, password string) error {
	if violation := passwordPolicyViolation(password); violation != "" {
		return &ValidationError{Field: field, Message: violation}
	}
	return nil
}

func describeFieldError(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "max":
		return "must be at most " + fieldError.Param() + " characters"
	case "min":
		return "must be at least " + fieldError.Param() + " characters"
	case "len":
		return "must be exactly " + fieldError.Param() + " characters"
	case "numeric":
		return "must contain only digits"
	case "kr_mobile":
		return "must be a mobile number like 010-1234-5678, 01012345678 or +821012345678"
	case "national_id":
		return "must be formatted as xxxxxx-xxxxxxx"
	case "password_policy":
		return passwordPolicyViolation(fieldError.Value().(string))
	default:
		return "is invalid"
	}
}

func passwordPolicyViolation(password string) string {
	if len(password) < 8 {
		return "must be at least 8 characters"
	}
	if len(password) > maxPasswordBytes {
		return "must be at most 72 bytes"
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, character := range password {
		switch {
		case character >= 'A' && character <= 'Z':
			hasUpper = true
		case character >= 'a' && character <= 'z':
			hasLower = true
		case character >= '0' && character <= '9':
			hasDigit = true
		case !unicode.IsSpace(character):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return "must contain an uppercase letter, a lowercase letter, a digit and a special character"
	}
	return ""
}

// IsMobileNumber reports whether value matches an accepted mobile number format.
func IsMobileNumber(value string) bool {
	for _, pattern := range mobilePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// NormalizePhoneNumber maps a +82 prefix to the domestic leading zero and strips punctuation.
func NormalizePhoneNumber(phoneNumber string) string {
	trimmed := strings.TrimSpace(phoneNumber)
	if strings.HasPrefix(trimmed, "+82") {
		trimmed = "0" + strings.TrimPrefix(trimmed, "+82")
	}
	return nonDigits.ReplaceAllString(trimmed, "")
}
