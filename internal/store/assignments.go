package store

import (
	"sort"
	"time"

	"github.com/samfms/core/internal/errs"
)

func cloneAssignment(a *VehicleAssignment) *VehicleAssignment {
	c := *a
	if a.End != nil {
		v := *a.End
		c.End = &v
	}
	return &c
}

// CreateAssignment opens an assignment. The check that neither the vehicle
// nor the driver already has an active assignment happens in the same
// critical section as the insert.
func (s *Store) CreateAssignment(tripID, vehicleID, driverID string, start time.Time) (*VehicleAssignment, error) {
	if vehicleID == "" || driverID == "" {
		return nil, errs.Validation("vehicle_id and driver_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if aid, busy := s.assignByVehicle[vehicleID]; busy {
		return nil, errs.Conflict("vehicle %s already assigned (%s)", vehicleID, aid)
	}
	if aid, busy := s.assignByDriver[driverID]; busy {
		return nil, errs.Conflict("driver %s already assigned (%s)", driverID, aid)
	}

	a := &VehicleAssignment{
		ID:        GenerateID(),
		TripID:    tripID,
		VehicleID: vehicleID,
		DriverID:  driverID,
		Start:     start,
	}
	s.assignments[a.ID] = a
	s.assignByVehicle[vehicleID] = a.ID
	s.assignByDriver[driverID] = a.ID
	return cloneAssignment(a), nil
}

// EndAssignment closes an assignment, freeing its vehicle and driver.
func (s *Store) EndAssignment(id string, end time.Time) (*VehicleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, errs.NotFound("assignment %s not found", id)
	}
	if a.End != nil {
		return nil, errs.Conflict("assignment %s already ended", id)
	}
	s.endAssignmentLocked(a, end)
	return cloneAssignment(a), nil
}

// endAssignmentLocked closes a and drops the active indexes. Caller holds
// the lock.
func (s *Store) endAssignmentLocked(a *VehicleAssignment, end time.Time) {
	v := end
	a.End = &v
	if s.assignByVehicle[a.VehicleID] == a.ID {
		delete(s.assignByVehicle, a.VehicleID)
	}
	if s.assignByDriver[a.DriverID] == a.ID {
		delete(s.assignByDriver, a.DriverID)
	}
}

// endAssignmentsForTripLocked closes every active assignment of a trip.
// Caller holds the lock.
func (s *Store) endAssignmentsForTripLocked(tripID string, end time.Time) {
	for _, a := range s.assignments {
		if a.TripID == tripID && a.End == nil {
			s.endAssignmentLocked(a, end)
		}
	}
}

// ActiveAssignmentForVehicle returns the open assignment of a vehicle.
func (s *Store) ActiveAssignmentForVehicle(vehicleID string) (*VehicleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.assignByVehicle[vehicleID]
	if !ok {
		return nil, errs.NotFound("vehicle %s has no active assignment", vehicleID)
	}
	return cloneAssignment(s.assignments[id]), nil
}

// ActiveAssignmentForDriver returns the open assignment of a driver.
func (s *Store) ActiveAssignmentForDriver(driverID string) (*VehicleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.assignByDriver[driverID]
	if !ok {
		return nil, errs.NotFound("driver %s has no active assignment", driverID)
	}
	return cloneAssignment(s.assignments[id]), nil
}

// ListAssignments returns every assignment, open first, then by start time.
func (s *Store) ListAssignments() []*VehicleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*VehicleAssignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, cloneAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].End == nil, out[j].End == nil
		if ai != aj {
			return ai
		}
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
