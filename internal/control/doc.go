// Package control provides the feedback laws that balance the pendulum.
//
// Every law implements [Law]; the simulation loop clamps the returned force
// with [Saturate] before it reaches the plant:
//
//   - [PD]: proportional-derivative on each generalized coordinate
//   - [PolePlacement]: state feedback placing the closed-loop eigenvalues
//   - [LQR]: Riccati-optimal state feedback with actuation-delay compensation
//   - [HInf]: central H-infinity controller with an observer
//   - [None]: zero force, for purely human balancing
//
// Gains are designed once at construction. A design that fails to converge
// or does not stabilize the linearized plant is rejected with a
// [dynamo.ConfigurationError].
//
// # Usage
//
//	lin, _ := model.Linearize(physics.Upright)
//	law, err := control.NewLQR(lin, control.LQRWeights{Q: q, R: 1}, predictor)
//	if err != nil {
//	    return err
//	}
//	f := control.Saturate(law.Compute(obs), params.MaxForce)
package control
