package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	playgroundvalidator "github.com/go-playground/validator/v10"
)

var inputValidator = newInputValidator()

func newInputValidator() *playgroundvalidator.Validate {
	v := playgroundvalidator.New(playgroundvalidator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("scope", validateScope); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("capability", validateCapability); err != nil {
		panic(err)
	}
	return v
}

func validateScope(fl playgroundvalidator.FieldLevel) bool {
	_, err := ParseScope(fl.Field().String())
	return err == nil
}

func validateCapability(fl playgroundvalidator.FieldLevel) bool {
	_, err := ParseCapabilityKey(fl.Field().String())
	return err == nil
}

// validateInput runs struct validation and folds failures into ErrInvalidInput.
func validateInput(v any) error {
	err := inputValidator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs playgroundvalidator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return fmt.Errorf("%w: validation failed on fields: %s", ErrInvalidInput, strings.Join(fields, ", "))
}

// LoginInput is a login attempt.
type LoginInput struct {
	Email    string     `json:"email" validate:"required,email,max=254"`
	Password string     `json:"password" validate:"required,max=1024"`
	Client   ClientInfo `json:"-"`
}

// RefreshInput is a refresh credential rotation request.
type RefreshInput struct {
	RefreshToken string     `json:"refresh_token" validate:"required,max=512"`
	Client       ClientInfo `json:"-"`
}

// CreateUserInput provisions a new caller. Super-admin cannot be requested.
type CreateUserInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=1024"`
}

// GrantInput assigns a capability under a scope.
type GrantInput struct {
	Capability string `json:"capability" validate:"required,capability"`
	Scope      string `json:"scope" validate:"required,scope"`
	ScopeID    string `json:"scope_id" validate:"omitempty,max=64"`
}

// PoolInput creates or renames a pool.
type PoolInput struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=1000"`
}

// PoolModulesInput replaces a pool's module grants.
type PoolModulesInput struct {
	Modules []string `json:"modules" validate:"dive,required,max=64"`
}

// PoolUpdateInput patches a pool. Nil fields are left unchanged.
type PoolUpdateInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=120"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	IsActive    *bool   `json:"is_active"`
}

// UserStatusInput activates or deactivates a caller.
type UserStatusInput struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// Validate reports whether the input is usable.
func (in UserStatusInput) Validate() error {
	return validateInput(in)
}
