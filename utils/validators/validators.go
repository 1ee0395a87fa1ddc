package validators

import (
	"regexp"

	"github.com/asaskevich/govalidator"
)

var (
	phoneRegex = regexp.MustCompile(`^(\+221)?\d{9}$`)
	pinRegex   = regexp.MustCompile(`^\d{4}$`)
)

func init() {
	govalidator.TagMap["subscriberphone"] = govalidator.Validator(IsPhone)
	govalidator.TagMap["subscriberpin"] = govalidator.Validator(IsPIN)
}

// IsPhone - true when the msisdn is a valid senegalese subscriber number
func IsPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}

// IsPIN - true when the value is a well formed 4 digit pin
func IsPIN(pin string) bool {
	return pinRegex.MatchString(pin)
}

// NormalizePhone - normalize a valid msisdn to its +221 prefixed form
func NormalizePhone(phone string) string {
	if len(phone) == 9 {
		return "+221" + phone
	}
	return phone
}

// IsIn - true when value is a member of the allowed set
func IsIn(value string, allowed ...string) bool {
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}
