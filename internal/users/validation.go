package users

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// CreateRequest is the inbound creation payload.
type CreateRequest struct {
	Username         string            `json:"username" validate:"required,min=3,max=50"`
	Email            string            `json:"email" validate:"required,email"`
	Password         string            `json:"password" validate:"required,min=8"`
	Role             string            `json:"role" validate:"omitempty,oneof=user admin super_admin"`
	LicenseNumber    string            `json:"license_number" validate:"omitempty,max=64"`
	OrganizationName string            `json:"organization_name" validate:"omitempty,max=120"`
	Phone            string            `json:"phone" validate:"omitempty,max=32"`
	Address          string            `json:"address" validate:"omitempty,max=255"`
	Preferences      map[string]string `json:"preferences"`
}

// ValidationError carries per-field messages for the transport layer.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator checks payload shape and the organizational email domain.
// Domain validation runs before any policy decision.
type Validator struct {
	validate       *validator.Validate
	allowedDomains []string
}

// NewValidator constructs a Validator. An empty domain list disables
// the organizational-domain check.
func NewValidator(allowedDomains []string) *Validator {
	domains := make([]string, 0, len(allowedDomains))
	for _, domain := range allowedDomains {
		domain = strings.TrimSpace(strings.ToLower(domain))
		if domain != "" {
			domains = append(domains, domain)
		}
	}
	return &Validator{validate: validator.New(), allowedDomains: domains}
}

// ValidateCreate checks a creation payload.
func (v *Validator) ValidateCreate(req CreateRequest) error {
	fields := map[string]string{}
	if err := v.validate.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, fieldErr := range validationErrs {
				fields[strings.ToLower(fieldErr.Field())] = fieldMessage(fieldErr)
			}
		} else {
			fields["payload"] = err.Error()
		}
	}
	if _, ok := fields["email"]; !ok {
		if err := v.checkDomain(req.Email); err != nil {
			fields["email"] = err.Error()
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// updateMaxLengths mirrors the CreateRequest max tags for profile
// fields reachable through partial updates.
var updateMaxLengths = map[string]int{
	FieldLicenseNumber:    64,
	FieldOrganizationName: 120,
	FieldPhone:            32,
	FieldAddress:          255,
}

// ValidateUpdate checks the updatable string fields of a raw partial
// payload. Unknown keys are the field filter's concern, not an error.
func (v *Validator) ValidateUpdate(payload map[string]any) error {
	fields := map[string]string{}
	if raw, ok := payload[FieldUsername]; ok {
		value, isString := raw.(string)
		if !isString || utf8.RuneCountInString(value) < 3 || utf8.RuneCountInString(value) > 50 {
			fields[FieldUsername] = "must be between 3 and 50 characters"
		}
	}
	if raw, ok := payload[FieldEmail]; ok {
		value, isString := raw.(string)
		if !isString || v.validate.Var(value, "required,email") != nil {
			fields[FieldEmail] = "must be a valid email address"
		} else if err := v.checkDomain(value); err != nil {
			fields[FieldEmail] = err.Error()
		}
	}
	for field, limit := range updateMaxLengths {
		raw, ok := payload[field]
		if !ok {
			continue
		}
		if value, isString := raw.(string); !isString || utf8.RuneCountInString(value) > limit {
			fields[field] = fmt.Sprintf("must be at most %d characters", limit)
		}
	}
	if raw, ok := payload[FieldPreferences]; ok {
		if _, isMap := raw.(map[string]any); !isMap {
			if _, isTyped := raw.(map[string]string); !isTyped {
				fields[FieldPreferences] = "must be an object of string settings"
			}
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (v *Validator) checkDomain(email string) error {
	if len(v.allowedDomains) == 0 {
		return nil
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return fmt.Errorf("must be a valid email address")
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range v.allowedDomains {
		if domain == allowed {
			return nil
		}
	}
	return fmt.Errorf("email domain %s is not permitted", domain)
}

func fieldMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "is too short"
	case "max":
		return "is too long"
	case "oneof":
		return "must be one of: " + fieldErr.Param()
	default:
		return "is invalid"
	}
}
