// Package dynamo provides the core data model shared by the simulation engine.
//
// The package defines the types every other component passes around:
//
//   - [Params]: physical and timing parameters of the cart and both rods
//   - [State]: generalized coordinates, velocities and accelerations
//   - [Record]: the flat per-tick record consumed by loggers
//   - [Snapshot]: an immutable copy of the latest state for readers
//
// and the error taxonomy of the engine: [ModelError], [ConfigurationError],
// [DivergenceError] and [InsufficientHistoryError].
//
// # Coordinates
//
// Q = [x, theta1, theta2]. The cart position x is in metres, the rod angles
// are absolute, measured from the upright vertical in radians and never
// wrapped, so that angular velocity stays continuous for control.
//
// # Example
//
//	p := dynamo.DefaultParams()
//	if err := p.Validate(); err != nil {
//	    return err
//	}
//	x0 := dynamo.State{Q: [3]float64{0, 0.05, 0.05}}
package dynamo
