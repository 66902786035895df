package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength     = 100
	maxUIDLength      = 64
	maxDescriptionLen = 500
	maxTags           = 20
	uidPattern        = `^[a-z0-9]+(?:[-_.][a-z0-9]+)*$`
)

var uidRegex = regexp.MustCompile(uidPattern)

// DefaultMaxTasks bounds the run queue length of one rule.
const DefaultMaxTasks = 100

// ValidateRule checks a rule's identity and shape. Trigger declarations
// were already checked when they were built.
func ValidateRule(r *Rule) error {
	return ValidateRuleWithLimit(r, DefaultMaxTasks)
}

// ValidateRuleWithLimit is ValidateRule with an explicit task limit.
func ValidateRuleWithLimit(r *Rule, maxTasks int) error {
	if r == nil {
		return ErrInvalidRule
	}
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if err := ValidateUID(r.UID); err != nil {
		return err
	}
	if len(r.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRule, maxDescriptionLen)
	}
	if len(r.Tags) > maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidRule, maxTags)
	}
	if len(r.Triggers) == 0 {
		return fmt.Errorf("%w: rule %s has no triggers", ErrInvalidRule, r.UID)
	}
	if len(r.Queue) == 0 {
		return fmt.Errorf("%w: rule %s has nothing to run", ErrInvalidRule, r.UID)
	}
	if maxTasks > 0 && len(r.Queue) > maxTasks {
		return fmt.Errorf("%w: rule %s exceeds maximum of %d tasks", ErrInvalidRule, r.UID, maxTasks)
	}
	for i, t := range r.Queue {
		if t.Kind == TaskDelay && t.Delay <= 0 {
			return fmt.Errorf("%w: rule %s task %d: delay must be positive", ErrInvalidRule, r.UID, i)
		}
	}
	return nil
}

// ValidateName checks that a rule name is present and not too long.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidRule)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRule, maxNameLength)
	}
	return nil
}

// ValidateUID checks the UID format.
func ValidateUID(uid string) error {
	if uid == "" {
		return fmt.Errorf("%w: uid cannot be empty", ErrInvalidRule)
	}
	if len(uid) > maxUIDLength {
		return fmt.Errorf("%w: uid exceeds %d characters", ErrInvalidRule, maxUIDLength)
	}
	if !uidRegex.MatchString(uid) {
		return fmt.Errorf("%w: uid %q must be lowercase alphanumeric with - _ or . separators", ErrInvalidRule, uid)
	}
	return nil
}

// GenerateSlug creates a UID from a name. It lowercases, turns spaces and
// underscores into hyphens, drops other punctuation and truncates.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	slug = strings.Trim(result.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}

	if len(slug) > maxUIDLength {
		slug = strings.TrimRight(slug[:maxUIDLength], "-")
	}
	return slug
}

// GenerateID creates a new UUID for a trigger or firing.
func GenerateID() string {
	return uuid.New().String()
}
