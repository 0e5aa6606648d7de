package core

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
)

// Unbounded is the MaxPoints of the terminal tier.
const Unbounded int64 = math.MaxInt64

// Tier is one rank band. Tiers partition [0, +inf) with inclusive bounds.
type Tier struct {
	Level       int    `json:"level"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	MinPoints   int64  `json:"min_points"`
	MaxPoints   int64  `json:"max_points"`
}

// Terminal reports whether the tier has no upper bound.
func (t Tier) Terminal() bool { return t.MaxPoints == Unbounded }

// Contains reports whether points fall inside the tier's inclusive range.
func (t Tier) Contains(points int64) bool {
	return points >= t.MinPoints && points <= t.MaxPoints
}

// tierDoc is the wire/file form of a Tier; a nil MaxPoints means unbounded.
type tierDoc struct {
	Level       int    `json:"level" yaml:"level"`
	Name        string `json:"name" yaml:"name"`
	Icon        string `json:"icon,omitempty" yaml:"icon"`
	Description string `json:"description,omitempty" yaml:"description"`
	MinPoints   int64  `json:"min_points" yaml:"min_points"`
	MaxPoints   *int64 `json:"max_points" yaml:"max_points"`
}

func (d tierDoc) tier() Tier {
	t := Tier{Level: d.Level, Name: d.Name, Icon: d.Icon, Description: d.Description, MinPoints: d.MinPoints, MaxPoints: Unbounded}
	if d.MaxPoints != nil {
		t.MaxPoints = *d.MaxPoints
	}
	return t
}

func docOf(t Tier) tierDoc {
	d := tierDoc{Level: t.Level, Name: t.Name, Icon: t.Icon, Description: t.Description, MinPoints: t.MinPoints}
	if !t.Terminal() {
		max := t.MaxPoints
		d.MaxPoints = &max
	}
	return d
}

// MarshalJSON encodes the terminal tier's bound as null.
func (t Tier) MarshalJSON() ([]byte, error) { return json.Marshal(docOf(t)) }

// UnmarshalJSON accepts a null or missing max_points as unbounded.
func (t *Tier) UnmarshalJSON(b []byte) error {
	var d tierDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	*t = d.tier()
	return nil
}

// Progress describes how far a score is through its current tier.
type Progress struct {
	Current      Tier    `json:"current"`
	Next         *Tier   `json:"next"`
	Fraction     float64 `json:"fraction"`
	PointsToNext *int64  `json:"points_to_next"`
}

// TierTable is a validated, immutable tier list.
type TierTable struct {
	name  string
	tiers []Tier
}

// NewTierTable validates tiers and returns a table. Tiers must be sorted by
// level and points, start at 0, leave no gaps or overlaps, and end unbounded.
func NewTierTable(name string, tiers []Tier) (*TierTable, error) {
	if len(tiers) == 0 {
		return nil, &ConfigurationError{Table: name, Index: -1, Reason: "no tiers"}
	}
	if tiers[0].MinPoints != 0 {
		return nil, &ConfigurationError{Table: name, Index: 0, Reason: "first tier must start at 0 points"}
	}
	last := len(tiers) - 1
	for i, t := range tiers {
		if t.MinPoints > t.MaxPoints {
			return nil, &ConfigurationError{Table: name, Index: i, Reason: "min_points above max_points"}
		}
		if i < last && t.Terminal() {
			return nil, &ConfigurationError{Table: name, Index: i, Reason: "only the last tier may be unbounded"}
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.Level <= prev.Level {
			return nil, &ConfigurationError{Table: name, Index: i, Reason: "levels must be strictly increasing"}
		}
		if t.MinPoints != prev.MaxPoints+1 {
			reason := "gap after tier level " + strconv.Itoa(prev.Level)
			if t.MinPoints <= prev.MaxPoints {
				reason = "overlaps tier level " + strconv.Itoa(prev.Level)
			}
			return nil, &ConfigurationError{Table: name, Index: i, Reason: reason}
		}
	}
	if !tiers[last].Terminal() {
		return nil, &ConfigurationError{Table: name, Index: last, Reason: "last tier must be unbounded"}
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return &TierTable{name: name, tiers: cp}, nil
}

// MustTierTable is NewTierTable for static definitions; it panics on error.
func MustTierTable(name string, tiers []Tier) *TierTable {
	t, err := NewTierTable(name, tiers)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the table's configured name.
func (t *TierTable) Name() string { return t.name }

// Tiers returns a copy of the ordered tier list.
func (t *TierTable) Tiers() []Tier {
	cp := make([]Tier, len(t.tiers))
	copy(cp, t.tiers)
	return cp
}

// Tier looks up a tier by level.
func (t *TierTable) Tier(level int) (Tier, bool) {
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].Level >= level })
	if i < len(t.tiers) && t.tiers[i].Level == level {
		return t.tiers[i], true
	}
	return Tier{}, false
}

// Resolve returns the tier containing points.
func (t *TierTable) Resolve(points int64) (Tier, error) {
	if points < 0 {
		return Tier{}, &ValidationError{Field: "points", Reason: "must be >= 0"}
	}
	i, err := t.index(points)
	if err != nil {
		return Tier{}, err
	}
	return t.tiers[i], nil
}

func (t *TierTable) index(points int64) (int, error) {
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].MaxPoints >= points })
	if i == len(t.tiers) || !t.tiers[i].Contains(points) {
		return 0, &ConfigurationError{Table: t.name, Index: -1, Reason: "no tier contains " + strconv.FormatInt(points, 10)}
	}
	return i, nil
}

// Progress returns the current tier, the next one and the fraction of the
// current tier already covered.
func (t *TierTable) Progress(points int64) (Progress, error) {
	if points < 0 {
		return Progress{}, &ValidationError{Field: "points", Reason: "must be >= 0"}
	}
	i, err := t.index(points)
	if err != nil {
		return Progress{}, err
	}
	if i+1 < len(t.tiers) {
		return progressFor(t.tiers[i], t.tiers[i+1], true, points), nil
	}
	return progressFor(t.tiers[i], Tier{}, false, points), nil
}

// ResolveRank finds the tier containing points in an arbitrary tier list.
// If tiers overlap the lowest-level match wins.
func ResolveRank(tiers []Tier, points int64) (Tier, error) {
	if points < 0 {
		return Tier{}, &ValidationError{Field: "points", Reason: "must be >= 0"}
	}
	var (
		best  Tier
		found bool
	)
	for _, t := range tiers {
		if t.Contains(points) && (!found || t.Level < best.Level) {
			best, found = t, true
		}
	}
	if !found {
		return Tier{}, &ConfigurationError{Index: -1, Reason: "no tier contains " + strconv.FormatInt(points, 10)}
	}
	return best, nil
}

// ProgressToNext is Progress over an arbitrary tier list.
func ProgressToNext(tiers []Tier, points int64) (Progress, error) {
	cur, err := ResolveRank(tiers, points)
	if err != nil {
		return Progress{}, err
	}
	var (
		next Tier
		ok   bool
	)
	if !cur.Terminal() {
		for _, t := range tiers {
			if t.MinPoints == cur.MaxPoints+1 && (!ok || t.Level < next.Level) {
				next, ok = t, true
			}
		}
	}
	return progressFor(cur, next, ok, points), nil
}

func progressFor(cur, next Tier, hasNext bool, points int64) Progress {
	if !hasNext {
		return Progress{Current: cur, Fraction: 1}
	}
	span := float64(cur.MaxPoints - cur.MinPoints + 1)
	frac := float64(points-cur.MinPoints) / span
	frac = math.Max(0, math.Min(1, frac))
	toNext := next.MinPoints - points
	n := next
	return Progress{Current: cur, Next: &n, Fraction: frac, PointsToNext: &toNext}
}
