package store

import (
	"sort"

	"github.com/samfms/core/internal/errs"
)

// The vehicles and drivers collections mirror fleet data owned by the
// management service, kept current by consuming its events. The planner
// selects against this mirror.

// UpsertVehicle inserts or replaces a vehicle.
func (s *Store) UpsertVehicle(v Vehicle) error {
	if v.ID == "" {
		return errs.Validation("vehicle id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := v
	if v.Home != nil {
		h := *v.Home
		c.Home = &h
	}
	s.vehicles[v.ID] = &c
	return nil
}

// GetVehicle returns one vehicle.
func (s *Store) GetVehicle(id string) (*Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return nil, errs.NotFound("vehicle %s not found", id)
	}
	c := *v
	if v.Home != nil {
		h := *v.Home
		c.Home = &h
	}
	return &c, nil
}

// RemoveVehicle drops a vehicle from the mirror.
func (s *Store) RemoveVehicle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vehicles, id)
}

// AvailableVehicles returns vehicles marked available that have no active
// assignment, ordered by id for deterministic tie-breaks downstream.
func (s *Store) AvailableVehicles() []*Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Vehicle
	for _, v := range s.vehicles {
		if !v.Available {
			continue
		}
		if _, busy := s.assignByVehicle[v.ID]; busy {
			continue
		}
		c := *v
		if v.Home != nil {
			h := *v.Home
			c.Home = &h
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertDriver inserts or replaces a driver.
func (s *Store) UpsertDriver(d Driver) error {
	if d.ID == "" {
		return errs.Validation("driver id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := d
	s.drivers[d.ID] = &c
	return nil
}

// GetDriver returns one driver.
func (s *Store) GetDriver(id string) (*Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, errs.NotFound("driver %s not found", id)
	}
	c := *d
	return &c, nil
}

// RemoveDriver drops a driver from the mirror.
func (s *Store) RemoveDriver(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drivers, id)
}

// AvailableDrivers returns drivers marked available that have no active
// assignment, ordered by id.
func (s *Store) AvailableDrivers() []*Driver {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Driver
	for _, d := range s.drivers {
		if !d.Available {
			continue
		}
		if _, busy := s.assignByDriver[d.ID]; busy {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
