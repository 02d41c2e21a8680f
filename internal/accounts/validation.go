package accounts

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	minPasswordLength = 8

	messageRequired         = "This field is required."
	messageInvalidEmail     = "Invalid email format."
	messagePasswordMismatch = "Field must be equal to password."
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var htmlEscaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// RegisterInput is the untrusted registration payload.
type RegisterInput struct {
	Email           string `json:"email" validate:"required,max=120,strict_email"`
	Username        string `json:"username" validate:"omitempty,max=50"`
	Name            string `json:"name" validate:"required,max=100"`
	Surname         string `json:"surname" validate:"required,max=100"`
	Password        string `json:"password" validate:"required,strong_password"`
	ConfirmPassword string `json:"confirm_password" validate:"omitempty,eqfield=Password"`
	Consent         bool   `json:"consent"`
}

// LoginInput is the untrusted login payload.
type LoginInput struct {
	Email    string `json:"email" validate:"required,max=120,strict_email"`
	Password string `json:"password" validate:"required"`
	Remember bool   `json:"remember"`
}

// ProfileUpdateInput is a partial profile patch; nil fields are left untouched.
type ProfileUpdateInput struct {
	Name     *string `json:"name"`
	Surname  *string `json:"surname"`
	Username *string `json:"username"`
}

var (
	validatorOnce     sync.Once
	validatorInstance *validator.Validate
)

func inputValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		_ = v.RegisterValidation("strict_email", func(fl validator.FieldLevel) bool {
			return emailPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("strong_password", func(fl validator.FieldLevel) bool {
			return passwordPolicyViolation(fl.Field().String()) == ""
		})
		validatorInstance = v
	})
	return validatorInstance
}

// Sanitize trims text and escapes angle brackets.
func Sanitize(value string) string {
	return htmlEscaper.Replace(strings.TrimSpace(value))
}

// ValidateRegistration sanitizes the free-text fields, lowercases the email
// and checks the result. Passwords are validated verbatim.
func ValidateRegistration(input RegisterInput) (RegisterInput, error) {
	sanitized := RegisterInput{
		Email:           strings.ToLower(Sanitize(input.Email)),
		Username:        Sanitize(input.Username),
		Name:            Sanitize(input.Name),
		Surname:         Sanitize(input.Surname),
		Password:        input.Password,
		ConfirmPassword: input.ConfirmPassword,
		Consent:         input.Consent,
	}
	if err := validateStruct(sanitized); err != nil {
		return RegisterInput{}, err
	}
	return sanitized, nil
}

// ValidateLogin normalizes the email and checks that both credentials are present.
func ValidateLogin(input LoginInput) (LoginInput, error) {
	sanitized := LoginInput{
		Email:    strings.ToLower(Sanitize(input.Email)),
		Password: input.Password,
		Remember: input.Remember,
	}
	if err := validateStruct(sanitized); err != nil {
		return LoginInput{}, err
	}
	return sanitized, nil
}

// ValidateProfileUpdate applies the registration rules to each supplied
// field. An empty username clears it; empty names are rejected.
func ValidateProfileUpdate(input ProfileUpdateInput) (ProfileUpdateInput, error) {
	result := ProfileUpdateInput{}
	problems := &ValidationError{}
	v := inputValidator()

	check := func(field string, value *string, rules string) *string {
		if value == nil {
			return nil
		}
		sanitized := Sanitize(*value)
		if err := v.Var(sanitized, rules); err != nil {
			var fieldErrors validator.ValidationErrors
			if errors.As(err, &fieldErrors) {
				for _, fieldError := range fieldErrors {
					problems.add(field, messageFor(fieldError))
				}
			} else {
				problems.add(field, err.Error())
			}
		}
		return &sanitized
	}

	result.Name = check("name", input.Name, "required,max=100")
	result.Surname = check("surname", input.Surname, "required,max=100")
	result.Username = check("username", input.Username, "omitempty,max=50")

	if !problems.empty() {
		return ProfileUpdateInput{}, problems
	}
	return result, nil
}

func validateStruct(input interface{}) error {
	err := inputValidator().Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	problems := &ValidationError{}
	for _, fieldError := range fieldErrors {
		problems.add(fieldError.Field(), messageFor(fieldError))
	}
	return problems
}

func messageFor(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required":
		return messageRequired
	case "strict_email":
		return messageInvalidEmail
	case "max":
		return fmt.Sprintf("Field cannot be longer than %s characters.", fieldError.Param())
	case "min":
		return fmt.Sprintf("Field must be at least %s characters long.", fieldError.Param())
	case "eqfield":
		return messagePasswordMismatch
	case "strong_password":
		value, _ := fieldError.Value().(string)
		return passwordPolicyViolation(value)
	default:
		return fmt.Sprintf("Field failed the %s check.", fieldError.Tag())
	}
}

// passwordPolicyViolation returns the first unmet strength rule, or "".
func passwordPolicyViolation(password string) string {
	if len([]rune(password)) < minPasswordLength {
		return fmt.Sprintf("Password must be at least %d characters long.", minPasswordLength)
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	switch {
	case !hasUpper:
		return "Password must contain at least one uppercase letter."
	case !hasLower:
		return "Password must contain at least one lowercase letter."
	case !hasDigit:
		return "Password must contain at least one number."
	}
	return ""
}
