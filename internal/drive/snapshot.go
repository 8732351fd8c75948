package drive

import "time"

// DriveSnapshot is the persisted form of one drive. Timestamps are unix
// seconds.
type DriveSnapshot struct {
	Name          string   `json:"name"`
	Weight        float64  `json:"weight"`
	Pressure      float64  `json:"pressure"`
	Sources       []string `json:"sources,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	LastAddressed int64    `json:"last_addressed,omitempty"`
	Triggers      int      `json:"triggers"`
	Successes     int      `json:"successes"`
}

// Snapshot is the persisted form of the engine.
type Snapshot struct {
	Drives   []DriveSnapshot `json:"drives"`
	LastTick int64           `json:"last_tick"`

	PressureRate float64 `json:"pressure_rate"`
	SuccessDecay float64 `json:"success_decay"`
}

// Snapshot captures the engine for persistence. Order is preserved so tie
// breaking survives restarts.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Drives:       make([]DriveSnapshot, 0, len(e.order)),
		LastTick:     e.lastTick.Unix(),
		PressureRate: e.params.PressureRate,
		SuccessDecay: e.params.SuccessDecay,
	}
	for _, name := range e.order {
		d := e.drives[name]
		ds := DriveSnapshot{
			Name:      d.Name,
			Weight:    d.Weight,
			Pressure:  d.Pressure,
			Sources:   append([]string(nil), d.Sources...),
			CreatedAt: d.CreatedAt.Unix(),
			Triggers:  d.Triggers,
			Successes: d.Successes,
		}
		if !d.LastAddressed.IsZero() {
			ds.LastAddressed = d.LastAddressed.Unix()
		}
		s.Drives = append(s.Drives, ds)
	}
	return s
}

// Restore loads the drive set from a snapshot, keeping any config-seeded
// drive the snapshot does not know about: a snapshot written before a
// config change must not drop new seeds, and protected drives are never
// absent. Mutated tunables (pressure rate, success decay) override the
// config-seeded values; zero values in old snapshots are ignored.
func (e *Engine) Restore(s Snapshot) {
	seeded := e.drives
	seededOrder := e.order

	e.drives = make(map[string]*Drive, len(s.Drives))
	e.order = nil
	for _, ds := range s.Drives {
		d := &Drive{
			Name:      ds.Name,
			Weight:    ds.Weight,
			Pressure:  ds.Pressure,
			Sources:   append([]string(nil), ds.Sources...),
			CreatedAt: time.Unix(ds.CreatedAt, 0),
			Triggers:  ds.Triggers,
			Successes: ds.Successes,
		}
		if ds.LastAddressed > 0 {
			d.LastAddressed = time.Unix(ds.LastAddressed, 0)
		}
		e.drives[ds.Name] = d
		e.order = append(e.order, ds.Name)
	}
	for _, name := range seededOrder {
		if _, ok := e.drives[name]; ok {
			continue
		}
		e.drives[name] = seeded[name]
		e.order = append(e.order, name)
	}
	if s.LastTick > 0 {
		e.lastTick = time.Unix(s.LastTick, 0)
	}
	if s.PressureRate > 0 {
		e.params.PressureRate = s.PressureRate
	}
	if s.SuccessDecay > 0 {
		e.params.SuccessDecay = s.SuccessDecay
	}
}
