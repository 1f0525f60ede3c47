// Package forms validates the login and registration forms before anything
// reaches the API.
package forms

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"forgelink/webshell/internal/authsvc"
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const specialChars = `!@#$%^&*()_+-=[]{};':"\|,.<>/?`

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("form"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	must := func(tag string, fn func(string) bool) {
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return fn(fl.Field().String())
		}); err != nil {
			panic(fmt.Sprintf("register %s validation: %v", tag, err))
		}
	}
	must("username", usernameRe.MatchString)
	must("emailaddr", emailRe.MatchString)
	must("haslower", hasRune(unicode.IsLower))
	must("hasupper", hasRune(unicode.IsUpper))
	must("hasdigit", hasRune(unicode.IsDigit))
	must("hasspecial", func(s string) bool { return strings.ContainsAny(s, specialChars) })
	return v
}

func hasRune(pred func(rune) bool) func(string) bool {
	return func(s string) bool {
		return strings.IndexFunc(s, pred) >= 0
	}
}

type Login struct {
	Username string `form:"username" validate:"required"`
	Password string `form:"password" validate:"required"`
}

type Register struct {
	Username        string `form:"username" validate:"required,min=3,username"`
	Email           string `form:"email" validate:"required,emailaddr"`
	Password        string `form:"password" validate:"required,min=8,haslower,hasupper,hasdigit,hasspecial"`
	PasswordConfirm string `form:"password_confirm" validate:"required,eqfield=Password"`
	FirstName       string `form:"first_name" validate:"omitempty,max=150"`
	LastName        string `form:"last_name" validate:"omitempty,max=150"`
}

func (f Register) Profile() authsvc.Profile {
	return authsvc.Profile{
		Username:        f.Username,
		Email:           f.Email,
		Password:        f.Password,
		PasswordConfirm: f.PasswordConfirm,
		FirstName:       f.FirstName,
		LastName:        f.LastName,
	}
}

// Errors maps a form field to the first message that applies to it.
type Errors map[string]string

func (e Errors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e[k])
	}
	return strings.Join(msgs, ", ")
}

func ParseLogin(r *http.Request) (Login, error) {
	if err := r.ParseForm(); err != nil {
		return Login{}, fmt.Errorf("parse login form: %w", err)
	}
	f := Login{
		Username: strings.TrimSpace(r.PostForm.Get("username")),
		Password: r.PostForm.Get("password"),
	}
	return f, Validate(f)
}

func ParseRegister(r *http.Request) (Register, error) {
	if err := r.ParseForm(); err != nil {
		return Register{}, fmt.Errorf("parse register form: %w", err)
	}
	f := Register{
		Username:        strings.TrimSpace(r.PostForm.Get("username")),
		Email:           strings.TrimSpace(r.PostForm.Get("email")),
		Password:        r.PostForm.Get("password"),
		PasswordConfirm: r.PostForm.Get("password_confirm"),
		FirstName:       strings.TrimSpace(r.PostForm.Get("first_name")),
		LastName:        strings.TrimSpace(r.PostForm.Get("last_name")),
	}
	return f, Validate(f)
}

// Validate returns Errors when s fails its tags.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(Errors, len(verrs))
	for _, fe := range verrs {
		if _, seen := out[fe.Field()]; !seen {
			out[fe.Field()] = message(fe)
		}
	}
	return out
}

// AsErrors extracts field errors from err.
func AsErrors(err error) (Errors, bool) {
	var fe Errors
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func message(fe validator.FieldError) string {
	switch fe.Field() + ":" + fe.Tag() {
	case "username:min":
		return "Username must be at least 3 characters"
	case "username:username":
		return "Username can only contain letters, numbers, and underscores"
	case "email:emailaddr":
		return "Please enter a valid email address"
	case "password:min":
		return "Password must be at least 8 characters"
	case "password:haslower":
		return "Password must contain at least one lowercase letter"
	case "password:hasupper":
		return "Password must contain at least one uppercase letter"
	case "password:hasdigit":
		return "Password must contain at least one number"
	case "password:hasspecial":
		return "Password must contain at least one special character"
	case "password_confirm:eqfield":
		return "Passwords do not match"
	}
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "max":
		return fmt.Sprintf("Must be at most %s characters", fe.Param())
	default:
		return "Invalid value"
	}
}
