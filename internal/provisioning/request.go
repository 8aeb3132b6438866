package provisioning

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/profile"
)

// Field error codes reported for a rejected request.
const (
	CodeInvalidEmail            = "INVALID_EMAIL"
	CodeWeakPassword            = "WEAK_PASSWORD"
	CodeInvalidUsername         = "INVALID_USERNAME"
	CodeMissingBirthday         = "MISSING_BIRTHDAY"
	CodeInvalidBirthday         = "INVALID_BIRTHDAY"
	CodeUnderage                = "UNDERAGE"
	CodeInvalidBorough          = "INVALID_BOROUGH"
	CodeTosNotAccepted          = "TOS_NOT_ACCEPTED"
	CodeMissingIdempotencyKey   = "MISSING_IDEMPOTENCY_KEY"
	CodeInvalidFullName         = "INVALID_FULL_NAME"
	CodeInvalidRole             = "INVALID_ROLE"
	CodeMissingPerformanceTypes = "MISSING_PERFORMANCE_TYPES"
	CodeMissingSocialMedia      = "MISSING_SOCIAL_MEDIA"
)

// BirthdayLayout is the accepted birthday format.
const BirthdayLayout = "2006-01-02"

// MinimumAge is the youngest age allowed to register.
const MinimumAge = 13

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// Request is the input of an account registration.
type Request struct {
	Email             string   `json:"email" validate:"required,email"`
	Password          string   `json:"password" validate:"required,min=8"`
	Username          string   `json:"username" validate:"username"`
	FullName          string   `json:"full_name" validate:"full_name"`
	Birthday          string   `json:"birthday" validate:"required,birthday,min_age"`
	Borough           string   `json:"borough" validate:"borough"`
	Role              string   `json:"role" validate:"role"`
	TosAccepted       bool     `json:"tos_accepted" validate:"required"`
	IdempotencyKey    string   `json:"idempotency_key" validate:"required"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	PerformanceTypes  []string `json:"performance_types,omitempty"`

	SocialsInstagram  string `json:"socials_instagram,omitempty"`
	SocialsTikTok     string `json:"socials_tiktok,omitempty"`
	SocialsYouTube    string `json:"socials_youtube,omitempty"`
	SocialsX          string `json:"socials_x,omitempty"`
	SocialsSnapchat   string `json:"socials_snapchat,omitempty"`
	SocialsFacebook   string `json:"socials_facebook,omitempty"`
	SocialsSoundCloud string `json:"socials_soundcloud,omitempty"`
	SocialsSpotify    string `json:"socials_spotify,omitempty"`
}

// SocialLinks returns the non-empty social handles keyed by platform.
func (r Request) SocialLinks() map[string]string {
	links := make(map[string]string)
	for platform, handle := range map[string]string{
		"instagram":  r.SocialsInstagram,
		"tiktok":     r.SocialsTikTok,
		"youtube":    r.SocialsYouTube,
		"x":          r.SocialsX,
		"snapchat":   r.SocialsSnapchat,
		"facebook":   r.SocialsFacebook,
		"soundcloud": r.SocialsSoundCloud,
		"spotify":    r.SocialsSpotify,
	} {
		if h := strings.TrimSpace(handle); h != "" {
			links[platform] = h
		}
	}
	return links
}

// fieldRule maps a validator failure to the reported field error.
type fieldRule struct {
	code    string
	message string
}

// rules is keyed by json field name, then by failing tag. The empty tag is
// the fallback for the field.
var rules = map[string]map[string]fieldRule{
	"email":           {"": {CodeInvalidEmail, "Invalid email format"}},
	"password":        {"": {CodeWeakPassword, "Password must be at least 8 characters"}},
	"username":        {"": {CodeInvalidUsername, "Username must be 3-20 alphanumeric characters or underscores"}},
	"full_name":       {"": {CodeInvalidFullName, "Full name must be at least 2 characters"}},
	"borough":         {"": {CodeInvalidBorough, "Borough must be one of: MN, BK, BX, QN, SI, VISITOR"}},
	"role":            {"": {CodeInvalidRole, "Role must be one of: street_performer, new_yorker"}},
	"tos_accepted":    {"": {CodeTosNotAccepted, "Terms of Service must be accepted"}},
	"idempotency_key": {"": {CodeMissingIdempotencyKey, "Idempotency key is required"}},
	"birthday": {
		"required": {CodeMissingBirthday, "Birthday is required"},
		"birthday": {CodeInvalidBirthday, "Birthday must be a date in YYYY-MM-DD format"},
		"min_age":  {CodeUnderage, "Must be at least 13 years old"},
	},
	"performance_types": {"": {CodeMissingPerformanceTypes, "Performers must select at least one performance type"}},
	"social_media":      {"": {CodeMissingSocialMedia, "Performers must provide at least one social media handle"}},
}

// newValidator builds the request validator. now is the reference for age
// checks.
func newValidator(now func() time.Time) *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	mustRegister(v, "username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "full_name", func(fl validator.FieldLevel) bool {
		return len([]rune(strings.TrimSpace(fl.Field().String()))) >= 2
	})
	mustRegister(v, "borough", func(fl validator.FieldLevel) bool {
		return profile.Borough(fl.Field().String()).IsValid()
	})
	mustRegister(v, "role", func(fl validator.FieldLevel) bool {
		return profile.Role(fl.Field().String()).IsValid()
	})
	mustRegister(v, "birthday", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(BirthdayLayout, fl.Field().String())
		return err == nil
	})
	mustRegister(v, "min_age", func(fl validator.FieldLevel) bool {
		born, err := time.Parse(BirthdayLayout, fl.Field().String())
		if err != nil {
			return false
		}
		return Age(born, now()) >= MinimumAge
	})

	v.RegisterStructValidation(func(sl validator.StructLevel) {
		req := sl.Current().Interface().(Request)
		if profile.Role(req.Role) != profile.RoleStreetPerformer {
			return
		}
		hasType := false
		for _, t := range req.PerformanceTypes {
			if strings.TrimSpace(t) != "" {
				hasType = true
				break
			}
		}
		if !hasType {
			sl.ReportError(req.PerformanceTypes, "performance_types", "PerformanceTypes", "performer_types", "")
		}
		if len(req.SocialLinks()) == 0 {
			sl.ReportError(req.SocialsInstagram, "social_media", "SocialMedia", "performer_socials", "")
		}
	}, Request{})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic("provisioning: register validation " + tag + ": " + err.Error())
	}
}

// validate runs every rule once and returns all violations as a single
// validation error, or nil.
func validate(v *validator.Validate, req Request) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindInternal, apperr.CodeInternal, "validate request", err)
	}

	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		byTag := rules[name]
		rule, ok := byTag[fe.Tag()]
		if !ok {
			rule, ok = byTag[""]
		}
		if !ok {
			rule = fieldRule{code: apperr.CodeValidationFailed, message: fe.Error()}
		}
		fields = append(fields, apperr.FieldError{Field: name, Code: rule.code, Message: rule.message})
	}
	return apperr.Validation(fields...)
}

// Age returns the number of full years between born and now, counting a
// birthday only once its month and day have been reached.
func Age(born, now time.Time) int {
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	return years
}
