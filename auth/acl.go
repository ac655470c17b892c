package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/glimte/rpcbridge/messaging"
	"gopkg.in/yaml.v3"
)

// Permission is the outcome of a rule
type Permission string

const (
	Allow Permission = "ALLOW"
	Deny  Permission = "DENY"
)

// Principals matched by a rule besides "role:<name>" and "user:<id>"
const (
	Everyone        = "$everyone"
	Authenticated   = "$authenticated"
	Unauthenticated = "$unauthenticated"
)

// Wildcard matches any model or method
const Wildcard = "*"

// Rule grants or denies a principal access to a model method
type Rule struct {
	Model      string     `yaml:"model"`
	Method     string     `yaml:"method"`
	Scope      string     `yaml:"scope"` // static, instance or empty for both
	Principal  string     `yaml:"principal"`
	Permission Permission `yaml:"permission"`
}

// ACLFile is the YAML document holding the rules
type ACLFile struct {
	Default Permission `yaml:"default"`
	Rules   []Rule     `yaml:"rules"`
}

// ACL decides access from a rule list. The most specific matching rule wins;
// between equally specific rules DENY wins. Without a match the default applies.
type ACL struct {
	rules             []Rule
	defaultPermission Permission
	logger            *slog.Logger
}

// ACLOption configures the ACL
type ACLOption func(*ACL)

// WithACLLogger sets the logger
func WithACLLogger(logger *slog.Logger) ACLOption {
	return func(a *ACL) {
		a.logger = logger
	}
}

// NewACL validates file and builds an ACL. An empty default means DENY.
func NewACL(file ACLFile, opts ...ACLOption) (*ACL, error) {
	acl := &ACL{
		defaultPermission: Deny,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(acl)
	}

	if file.Default != "" {
		p, err := parsePermission(file.Default)
		if err != nil {
			return nil, err
		}
		acl.defaultPermission = p
	}

	for i, rule := range file.Rules {
		normalized, err := normalizeRule(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		acl.rules = append(acl.rules, normalized)
	}
	return acl, nil
}

// ParseACL decodes YAML rules
func ParseACL(data []byte, opts ...ACLOption) (*ACL, error) {
	var file ACLFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse ACL: %w", err)
	}
	return NewACL(file, opts...)
}

// LoadACL reads YAML rules from path
func LoadACL(path string, opts ...ACLOption) (*ACL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ACL file: %w", err)
	}
	return ParseACL(data, opts...)
}

func parsePermission(p Permission) (Permission, error) {
	switch Permission(strings.ToUpper(string(p))) {
	case Allow:
		return Allow, nil
	case Deny:
		return Deny, nil
	}
	return "", fmt.Errorf("unknown permission %q", p)
}

func normalizeRule(rule Rule) (Rule, error) {
	if rule.Model == "" {
		rule.Model = Wildcard
	}
	if rule.Method == "" {
		rule.Method = Wildcard
	}
	if rule.Principal == "" {
		return rule, fmt.Errorf("principal is required")
	}

	switch rule.Scope {
	case "", "static", "instance":
	default:
		return rule, fmt.Errorf("unknown scope %q", rule.Scope)
	}

	switch {
	case rule.Principal == Everyone, rule.Principal == Authenticated, rule.Principal == Unauthenticated:
	case strings.HasPrefix(rule.Principal, "role:") && len(rule.Principal) > len("role:"):
	case strings.HasPrefix(rule.Principal, "user:") && len(rule.Principal) > len("user:"):
	default:
		return rule, fmt.Errorf("unknown principal %q", rule.Principal)
	}

	p, err := parsePermission(rule.Permission)
	if err != nil {
		return rule, err
	}
	rule.Permission = p
	return rule, nil
}

// CheckAccess implements messaging.AccessChecker. Rules never match on
// instanceID; it is only logged.
func (a *ACL) CheckAccess(ctx context.Context, identity *messaging.Identity, instanceID string, method messaging.MethodDescriptor) (bool, error) {
	best := -1
	decision := a.defaultPermission

	for _, rule := range a.rules {
		score, ok := rule.match(identity, method)
		if !ok {
			continue
		}
		switch {
		case score > best:
			best = score
			decision = rule.Permission
		case score == best && rule.Permission == Deny:
			decision = Deny
		}
	}

	a.logger.Debug("access decision",
		"model", method.Model,
		"method", method.Name,
		"static", method.Static,
		"instanceId", instanceID,
		"anonymous", identity == nil,
		"permission", decision,
	)
	return decision == Allow, nil
}

// match reports whether the rule applies and how specific it is
func (r Rule) match(identity *messaging.Identity, method messaging.MethodDescriptor) (int, bool) {
	score := 0

	switch r.Model {
	case Wildcard:
	case method.Model:
		score += 100
	default:
		return 0, false
	}

	switch r.Method {
	case Wildcard:
	case method.Name:
		score += 10
	default:
		return 0, false
	}

	switch r.Scope {
	case "":
	case "static":
		if !method.Static {
			return 0, false
		}
	case "instance":
		if method.Static {
			return 0, false
		}
	}

	switch {
	case r.Principal == Everyone:
	case r.Principal == Authenticated:
		if identity == nil {
			return 0, false
		}
		score++
	case r.Principal == Unauthenticated:
		if identity != nil {
			return 0, false
		}
		score++
	case strings.HasPrefix(r.Principal, "role:"):
		if !identity.HasRole(strings.TrimPrefix(r.Principal, "role:")) {
			return 0, false
		}
		score += 2
	case strings.HasPrefix(r.Principal, "user:"):
		if identity == nil || identity.UserID != strings.TrimPrefix(r.Principal, "user:") {
			return 0, false
		}
		score += 3
	default:
		return 0, false
	}

	return score, true
}
