package handlers

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var patternCache sync.Map // string -> *regexp.Regexp

// Validate checks a request body against the descriptor's validation rules.
// partial relaxes required checks for PATCH-style updates.
func Validate(ep *config.Endpoint, body map[string]any, partial bool) error {
	if len(ep.ValidationRules) == 0 {
		return nil
	}

	fields := make([]string, 0, len(ep.ValidationRules))
	for f := range ep.ValidationRules {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		rule := ep.ValidationRules[field]
		v, present := body[field]
		if !present || v == nil {
			if rule.Required && !partial {
				return apierror.ErrValidation.WithDetails(field + " is required")
			}
			continue
		}
		if err := checkField(field, rule, v); err != nil {
			return err
		}
	}
	return nil
}

func checkField(field string, rule config.ValidationRule, v any) error {
	switch rule.Type {
	case "", "any":
	case "string", "email":
		s, ok := v.(string)
		if !ok {
			return apierror.ErrValidation.WithDetails(field + " must be a string")
		}
		if rule.Type == "email" && !emailPattern.MatchString(s) {
			return apierror.ErrValidation.WithDetails(field + " must be an email address")
		}
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
		default:
			return apierror.ErrValidation.WithDetails(field + " must be a number")
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return apierror.ErrValidation.WithDetails(field + " must be a boolean")
		}
	}

	if s, ok := v.(string); ok {
		if rule.MinLength > 0 && len(s) < rule.MinLength {
			return apierror.ErrValidation.WithDetails(
				fmt.Sprintf("%s must be at least %d characters", field, rule.MinLength))
		}
		if rule.MaxLength > 0 && len(s) > rule.MaxLength {
			return apierror.ErrValidation.WithDetails(
				fmt.Sprintf("%s must be at most %d characters", field, rule.MaxLength))
		}
		if rule.Pattern != "" {
			re, err := compiledPattern(rule.Pattern)
			if err != nil {
				return apierror.NewConfigError("invalid validation pattern for " + field)
			}
			if !re.MatchString(s) {
				return apierror.ErrValidation.WithDetails(field + " has an invalid format")
			}
		}
	}
	return nil
}

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
