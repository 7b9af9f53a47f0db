package service

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/myeline/careauth/internal/domain"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,50}$`)

type RegisterInput struct {
	Email         string `json:"email"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Role          string `json:"role"`
	AgreedToTerms bool   `json:"agreed_to_terms"`
}

func (in RegisterInput) normalized() RegisterInput {
	in.Email = domain.NormalizeEmail(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	return in
}

// Validate returns one field error per unmet rule, in a stable field order.
func (in RegisterInput) Validate() error {
	verr := &ValidationError{}
	if !validEmail(in.Email) {
		verr.add("email", "must be a valid email address")
	}
	if !usernamePattern.MatchString(in.Username) {
		verr.add("username", "must be 3-50 characters of letters, digits or underscore")
	}
	for _, msg := range passwordProblems(in.Password) {
		verr.add("password", msg)
	}
	if in.FirstName == "" {
		verr.add("first_name", "is required")
	}
	if in.LastName == "" {
		verr.add("last_name", "is required")
	}
	switch domain.Role(in.Role) {
	case domain.RolePatient, domain.RoleCaregiver:
	default:
		verr.add("role", "must be patient or caregiver")
	}
	if !in.AgreedToTerms {
		verr.add("agreed_to_terms", "must be accepted")
	}
	return verr.orNil()
}

func validEmail(email string) bool {
	if email == "" || len(email) > 255 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndex(email, "@")
	return at > 0 && strings.Contains(email[at+1:], ".")
}

func passwordProblems(pw string) []string {
	var problems []string
	if len([]rune(pw)) < 8 {
		problems = append(problems, "must be at least 8 characters")
	}
	if len(pw) > 72 {
		problems = append(problems, "must be at most 72 bytes")
	}
	var lower, upper, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}
	if !lower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if !upper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if !digit {
		problems = append(problems, "must contain a digit")
	}
	if !special {
		problems = append(problems, "must contain a special character")
	}
	return problems
}
