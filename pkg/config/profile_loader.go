package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LimitProfile is a named preset of spending limits and rules that can be
// applied to new principals at onboarding, e.g. a cautious default for
// consumer accounts and a wider one for procurement agents.
type LimitProfile struct {
	Name                 string        `yaml:"name" json:"name"`
	Code                 string        `yaml:"code" json:"code"`
	Currency             string        `yaml:"currency" json:"currency"`
	DailyLimit           int64         `yaml:"daily_limit" json:"daily_limit"`
	MonthlyLimit         int64         `yaml:"monthly_limit" json:"monthly_limit"`
	PerTransactionLimit  int64         `yaml:"per_transaction_limit" json:"per_transaction_limit"`
	RequireApprovalAbove *int64        `yaml:"require_approval_above,omitempty" json:"require_approval_above,omitempty"`
	MerchantRules        []ProfileRule `yaml:"merchant_rules,omitempty" json:"merchant_rules,omitempty"`
	CategoryRules        []ProfileRule `yaml:"category_rules,omitempty" json:"category_rules,omitempty"`
}

// ProfileRule is one allow/block entry in a profile. Pattern holds a
// merchant glob or an exact category depending on which list it sits in.
type ProfileRule struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Action      string `yaml:"action" json:"action"` // "allow" | "block"
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Validate checks the profile is internally consistent.
func (p *LimitProfile) Validate() error {
	if p.DailyLimit <= 0 || p.MonthlyLimit <= 0 || p.PerTransactionLimit <= 0 {
		return fmt.Errorf("profile %q: limits must be positive", p.Code)
	}
	if p.DailyLimit > p.MonthlyLimit {
		return fmt.Errorf("profile %q: daily limit exceeds monthly limit", p.Code)
	}
	for _, r := range append(append([]ProfileRule{}, p.MerchantRules...), p.CategoryRules...) {
		if r.Action != "allow" && r.Action != "block" {
			return fmt.Errorf("profile %q: rule %q has invalid action %q", p.Code, r.Pattern, r.Action)
		}
	}
	return nil
}

// LoadProfile loads a limit profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*LimitProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile LimitProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*LimitProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*LimitProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile LimitProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_consumer.yaml -> consumer
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
