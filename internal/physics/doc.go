// Package physics implements the double inverted pendulum on a cart.
//
// [DIPC] evaluates the nonlinear equations of motion and linearizes them about
// a rest configuration for control design:
//
//	model, err := physics.New(dynamo.DefaultParams())
//	if err != nil {
//	    return err
//	}
//	ddq, err := model.Accelerations(q, dq, force)
//	lin, err := model.Linearize(physics.Upright)
//
// Angles are measured from the upright vertical, so [Upright] is the unstable
// balance point and [Hanging] the stable one.
package physics
