package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in table names.
const (
	TableAdmin = "admin"
	TableStaff = "staff"
)

var adminTiers = []Tier{
	{Level: 1, Name: "Recruit", Icon: "🔰", Description: "New administrator", MinPoints: 0, MaxPoints: 99},
	{Level: 2, Name: "Moderator", Icon: "🛡️", Description: "Keeps discussions on track", MinPoints: 100, MaxPoints: 249},
	{Level: 3, Name: "Guardian", Icon: "⚔️", Description: "Trusted with course reviews", MinPoints: 250, MaxPoints: 499},
	{Level: 4, Name: "Sentinel", Icon: "🗼", Description: "Handles escalations", MinPoints: 500, MaxPoints: 999},
	{Level: 5, Name: "Warden", Icon: "🏰", Description: "Oversees a cohort", MinPoints: 1000, MaxPoints: 1999},
	{Level: 6, Name: "Champion", Icon: "🏆", Description: "Leads platform initiatives", MinPoints: 2000, MaxPoints: 3999},
	{Level: 7, Name: "Overseer", Icon: "👁️", Description: "Runs the admin team", MinPoints: 4000, MaxPoints: 7999},
	{Level: 8, Name: "Legend", Icon: "🌟", Description: "Long-standing pillar of the platform", MinPoints: 8000, MaxPoints: 14999},
	{Level: 9, Name: "Mythic", Icon: "🔥", Description: "Hall of fame", MinPoints: 15000, MaxPoints: Unbounded},
}

var staffTiers = []Tier{
	{Level: 1, Name: "Apprentice", Icon: "📘", Description: "Getting started as a mentor", MinPoints: 0, MaxPoints: 199},
	{Level: 2, Name: "Mentor", Icon: "🎓", Description: "Regular lesson contributor", MinPoints: 200, MaxPoints: 599},
	{Level: 3, Name: "Senior Mentor", Icon: "🧭", Description: "Guides other mentors", MinPoints: 600, MaxPoints: 1499},
	{Level: 4, Name: "Master", Icon: "👑", Description: "Top-tier educator", MinPoints: 1500, MaxPoints: Unbounded},
}

// AdminTiers returns the nine-tier table used for administrator subjects.
func AdminTiers() *TierTable { return MustTierTable(TableAdmin, adminTiers) }

// StaffTiers returns the four-tier table used for teacher and mentor subjects.
func StaffTiers() *TierTable { return MustTierTable(TableStaff, staffTiers) }

// BuiltinTable returns a built-in table by name.
func BuiltinTable(name string) (*TierTable, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case TableAdmin, "":
		return AdminTiers(), nil
	case TableStaff:
		return StaffTiers(), nil
	default:
		return nil, &ConfigurationError{Table: name, Index: -1, Reason: "unknown built-in table"}
	}
}

type tierFile struct {
	Name  string    `json:"name" yaml:"name"`
	Tiers []tierDoc `json:"tiers" yaml:"tiers"`
}

// LoadTierTable reads and validates a tier table from a .yaml, .yml or .json file.
// The last tier omits max_points to mark it unbounded.
func LoadTierTable(path string) (*TierTable, error) {
	b, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read tier table %s: %w", path, err)
	}
	var doc tierFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &doc)
	case ".json":
		err = json.Unmarshal(b, &doc)
	default:
		return nil, &ConfigurationError{Table: path, Index: -1, Reason: "tier table must be .yaml, .yml or .json"}
	}
	if err != nil {
		return nil, fmt.Errorf("parse tier table %s: %w", path, err)
	}
	name := doc.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	tiers := make([]Tier, len(doc.Tiers))
	for i, d := range doc.Tiers {
		tiers[i] = d.tier()
	}
	return NewTierTable(name, tiers)
}
