package auth

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RegisterRequest is the input of Service.Register.
type RegisterRequest struct {
	Nickname  string `validate:"required,min=3,max=32,excludesall=:/"`
	Password  string `validate:"required,min=6,max=72"`
	Breed     string `validate:"omitempty,max=64"`
	AvatarURL string `validate:"omitempty,url,max=512"`
}

func (r *RegisterRequest) normalize() {
	r.Nickname = strings.TrimSpace(r.Nickname)
	r.Breed = strings.TrimSpace(r.Breed)
	r.AvatarURL = strings.TrimSpace(r.AvatarURL)
}

// validateRegister maps validator failures onto the package's sentinel errors.
func validateRegister(req RegisterRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	switch fieldErrs[0].Field() {
	case "Nickname":
		return ErrInvalidNickname
	case "Password":
		return ErrInvalidPassword
	default:
		return ErrInvalidProfile
	}
}
