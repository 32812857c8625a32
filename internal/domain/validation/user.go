package validation

// UserInput is the raw user form.
type UserInput struct {
	Name  string `json:"name" form:"name"`
	Email string `json:"email" form:"email"`
	Phone string `json:"phone" form:"phone"`
}

type userRules struct {
	Name  string `json:"name" validate:"min=2,max=50"`
	Email string `json:"email" validate:"email"`
	Phone string `json:"phone" validate:"phone"`
}

// ValidateUser checks the user form. The returned FieldErrors is nil when the
// form is valid.
func (e *Engine) ValidateUser(in UserInput) (UserInput, FieldErrors) {
	fe := FieldErrors{}
	e.check(userRules{Name: in.Name, Email: in.Email, Phone: in.Phone}, fe)
	return in, fe.orNil()
}
