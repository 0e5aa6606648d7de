package analytics

import (
	"sort"
	"sync"
	"time"

	"eliteheat/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// DAU tracks subjects whose score changed on a given day.
type DAU struct {
	mu   sync.Mutex
	days map[string]map[core.SubjectID]struct{}
}

func NewDAU() *DAU { return &DAU{days: map[string]map[core.SubjectID]struct{}{}} }

func (d *DAU) OnEvent(e core.Event) {
	if e.Type != core.EventPointsAccrued && e.Type != core.EventRankAssigned {
		return
	}
	day := dayKey(e.Time)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.SubjectID]struct{}{}
		d.days[day] = m
	}
	m[e.SubjectID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// ActorStats summarizes the grants one actor issued.
type ActorStats struct {
	Actor   string `json:"actor"`
	Grants  int64  `json:"grants"`
	Points  int64  `json:"points"`
	Flagged int64  `json:"flagged"`
}

// DayStats summarizes one UTC day.
type DayStats struct {
	Day         string `json:"day"`
	Granted     int64  `json:"granted"`
	Deducted    int64  `json:"deducted"`
	Assignments int64  `json:"assignments"`
	Flagged     int64  `json:"flagged"`
	RankUps     int64  `json:"rank_ups"`
	RankDowns   int64  `json:"rank_downs"`
}

// Snapshot is the JSON view served to dashboards.
type Snapshot struct {
	TotalGranted int64         `json:"total_granted"`
	TotalFlagged int64         `json:"total_flagged"`
	TopActors    []ActorStats  `json:"top_actors"`
	Days         []DayStats    `json:"days"`
	ActiveToday  int           `json:"active_today"`
	LevelReached map[int]int64 `json:"level_reached"`
}

// GrantStats aggregates who granted how much, how often grants were flagged
// and how subjects moved between tiers.
type GrantStats struct {
	mu      sync.RWMutex
	actors  map[string]*ActorStats
	days    map[string]*DayStats
	levels  map[int]int64
	granted int64
	flagged int64
	dau     *DAU
	now     func() time.Time
}

func NewGrantStats() *GrantStats {
	return &GrantStats{
		actors: map[string]*ActorStats{},
		days:   map[string]*DayStats{},
		levels: map[int]int64{},
		dau:    NewDAU(),
		now:    time.Now,
	}
}

func (g *GrantStats) OnEvent(e core.Event) {
	g.dau.OnEvent(e)
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.day(dayKey(e.Time))
	switch e.Type {
	case core.EventPointsAccrued:
		a := g.actor(e.Actor)
		a.Grants++
		a.Points += e.Delta
		if e.Delta > 0 {
			day.Granted += e.Delta
			g.granted += e.Delta
		} else {
			day.Deducted -= e.Delta
		}
		if e.Flagged {
			a.Flagged++
			day.Flagged++
			g.flagged++
		}
	case core.EventRankAssigned:
		day.Assignments++
	case core.EventRankUp:
		day.RankUps++
		g.levels[e.Level]++
	case core.EventRankDown:
		day.RankDowns++
	}
}

func (g *GrantStats) actor(name string) *ActorStats {
	a := g.actors[name]
	if a == nil {
		a = &ActorStats{Actor: name}
		g.actors[name] = a
	}
	return a
}

func (g *GrantStats) day(key string) *DayStats {
	d := g.days[key]
	if d == nil {
		d = &DayStats{Day: key}
		g.days[key] = d
	}
	return d
}

// Actor returns the totals for one actor.
func (g *GrantStats) Actor(name string) (ActorStats, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.actors[name]
	if !ok {
		return ActorStats{}, false
	}
	return *a, true
}

// Day returns the totals for one UTC day (YYYY-MM-DD).
func (g *GrantStats) Day(day string) DayStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if d, ok := g.days[day]; ok {
		return *d
	}
	return DayStats{Day: day}
}

// Snapshot returns the top actors by points granted and the per-day series in date order.
func (g *GrantStats) Snapshot(topActors int) Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Snapshot{
		TotalGranted: g.granted,
		TotalFlagged: g.flagged,
		ActiveToday:  g.dau.Count(dayKey(g.now())),
		LevelReached: make(map[int]int64, len(g.levels)),
	}
	for l, n := range g.levels {
		s.LevelReached[l] = n
	}
	for _, a := range g.actors {
		s.TopActors = append(s.TopActors, *a)
	}
	sort.Slice(s.TopActors, func(i, j int) bool {
		if s.TopActors[i].Points == s.TopActors[j].Points {
			return s.TopActors[i].Actor < s.TopActors[j].Actor
		}
		return s.TopActors[i].Points > s.TopActors[j].Points
	})
	if topActors > 0 && len(s.TopActors) > topActors {
		s.TopActors = s.TopActors[:topActors]
	}
	for _, d := range g.days {
		s.Days = append(s.Days, *d)
	}
	sort.Slice(s.Days, func(i, j int) bool { return s.Days[i].Day < s.Days[j].Day })
	return s
}
