// Package services holds the domain handlers and tasks that run on a node:
// the echo and convert queryables, Lua scripted queryables, the sensor
// publisher and monitor, and the polling client.
//
// Each service is a plain value wired onto a *node.Node by the launchers:
//
//	q, err := n.DeclareQueryable(ctx, services.EchoKey, services.Echo(logger))
package services
