package errs

// Domain sentinels. Callers match these with errors.Is; the wire still sees
// the owning Kind.
var (
	// ErrNoDriverAvailable is returned by trip planning when no driver in the
	// organization can take the trip.
	ErrNoDriverAvailable = New(KindBusinessRule, "no driver available")

	// ErrNoVehicleAvailable is returned by trip planning when the fleet has no
	// assignable vehicle.
	ErrNoVehicleAvailable = New(KindBusinessRule, "no vehicle available")

	// ErrServiceDiscovery is returned when registry lookup yields no healthy
	// endpoint for a service.
	ErrServiceDiscovery = New(KindServiceUnavailable, "no healthy endpoint")

	// ErrQueueConflict is returned when a queue exists with incompatible
	// arguments and cannot be redeclared.
	ErrQueueConflict = New(KindConflict, "queue config conflict")

	// ErrBreakerOpen is returned when a circuit breaker refuses a call.
	ErrBreakerOpen = New(KindServiceUnavailable, "circuit open")
)
