// Package policy describes what a privacy request does to each data category.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ActionType is the kind of work a privacy request performs.
type ActionType string

// Action types.
const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAccess, ActionErasure, ActionConsent:
		return true
	default:
		return false
	}
}

// Masking strategies supported by the reference connectors.
const (
	MaskNull   = "null_rewrite"
	MaskString = "string_rewrite"
)

// Rule targets a set of data categories for one action.
type Rule struct {
	Key              string     `json:"key" yaml:"key" validate:"required"`
	ActionType       ActionType `json:"action_type" yaml:"action_type" validate:"required,oneof=access erasure consent"`
	TargetCategories []string   `json:"target_categories" yaml:"target_categories" validate:"required_unless=ActionType consent,dive,required"`

	// MaskingStrategy applies to erasure rules. Empty means null rewrite.
	MaskingStrategy string `json:"masking_strategy,omitempty" yaml:"masking_strategy,omitempty" validate:"omitempty,oneof=null_rewrite string_rewrite"`

	// MaskValue is written by string_rewrite.
	MaskValue string `json:"mask_value,omitempty" yaml:"mask_value,omitempty"`
}

// Policy is the read-only rule set a privacy request executes against.
type Policy struct {
	Key   string `json:"key" yaml:"key" validate:"required"`
	Rules []Rule `json:"rules" yaml:"rules" validate:"required,min=1,dive"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks required fields and rule shapes.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("policy %q: %w", p.Key, err)
	}
	return nil
}

// RulesFor returns the rules for action, in declaration order.
func (p *Policy) RulesFor(action ActionType) []Rule {
	var out []Rule
	for _, r := range p.Rules {
		if r.ActionType == action {
			out = append(out, r)
		}
	}
	return out
}

// HasAction reports whether any rule targets action.
func (p *Policy) HasAction(action ActionType) bool {
	return len(p.RulesFor(action)) > 0
}

// TargetCategories returns the distinct categories the action's rules target.
func (p *Policy) TargetCategories(action ActionType) []string {
	var out []string
	for _, r := range p.RulesFor(action) {
		for _, c := range r.TargetCategories {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Matcher returns a predicate reporting whether a field's data category is
// targeted by the action's rules.
func (p *Policy) Matcher(action ActionType) func(category string) bool {
	targets := p.TargetCategories(action)
	return func(category string) bool {
		for _, t := range targets {
			if CategoryMatches(t, category) {
				return true
			}
		}
		return false
	}
}

// RuleFor returns the first rule of action whose targets match category.
func (p *Policy) RuleFor(action ActionType, category string) (Rule, bool) {
	for _, r := range p.RulesFor(action) {
		for _, t := range r.TargetCategories {
			if CategoryMatches(t, category) {
				return r, true
			}
		}
	}
	return Rule{}, false
}

// CategoryMatches reports whether category equals target or is nested
// under it, e.g. target "user.contact" matches "user.contact.email" but
// not "user.contacts".
func CategoryMatches(target, category string) bool {
	if target == category {
		return true
	}
	return strings.HasPrefix(category, target+".")
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// Parse decodes and validates a YAML document holding a "policies" list.
func Parse(data []byte) ([]Policy, error) {
	var f policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	for i := range f.Policies {
		if err := f.Policies[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Policies, nil
}

// Load reads policies from a YAML file.
func Load(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Find returns the policy with key.
func Find(policies []Policy, key string) (*Policy, bool) {
	for i := range policies {
		if policies[i].Key == key {
			return &policies[i], true
		}
	}
	return nil, false
}
