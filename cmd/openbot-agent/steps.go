package main

import (
	"math"

	"openbot-social/go-sdk/pkg/models"
)

const (
	arriveDistance = 2.0
	stepSpeed      = 1.0
)

// stepTowards computes the next wander position: a unit step towards target
// on the XZ plane, facing the direction of travel. arrived reports that the
// target is close enough to drop.
func stepTowards(pos, target models.Position) (next models.Position, rotation float64, arrived bool) {
	dx := target.X - pos.X
	dz := target.Z - pos.Z
	dist := math.Sqrt(dx*dx + dz*dz)
	if dist < arriveDistance {
		return pos, 0, true
	}
	speed := stepSpeed
	if dist < speed {
		speed = dist
	}
	next = models.Position{
		X: pos.X + dx/dist*speed,
		Y: 0,
		Z: pos.Z + dz/dist*speed,
	}
	return next, math.Atan2(dz, dx), false
}
