package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidRule is returned by Validate for rules that would be inert.
var ErrInvalidRule = errors.New("invalid rule")

// Validate reports configuration mistakes before a rule is saved.
// Evaluate tolerates every rule; this is for the configuration surface only.
func (e *Evaluator) Validate(rule domain.Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}

	switch rule.Kind {
	case domain.KindMaxAmount:
		limit, ok := rule.Threshold.Number()
		if !ok {
			return fmt.Errorf("%w: %s threshold must be numeric, got %q", ErrInvalidRule, rule.Kind, rule.Threshold.Token())
		}
		if limit < 0 {
			return fmt.Errorf("%w: %s threshold must not be negative", ErrInvalidRule, rule.Kind)
		}
	case domain.KindForbiddenCategory:
		if strings.TrimSpace(rule.Threshold.Token()) == "" {
			return fmt.Errorf("%w: %s threshold token is required", ErrInvalidRule, rule.Kind)
		}
	case domain.KindWeekendBan:
	case domain.KindRequiredField:
		switch normalizeFieldToken(rule.Threshold.Token()) {
		case "merchantname", "merchant":
		default:
			return fmt.Errorf("%w: %s only supports field %q, got %q", ErrInvalidRule, rule.Kind, FieldMerchantName, rule.Threshold.Token())
		}
	case domain.KindExpression:
		if _, err := e.programs.compile(rule.Threshold.Token()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}

	return nil
}
