// Package geo resolves which geofences are near a coordinate.
//
// Distances use the Haversine great-circle formula on a sphere of radius
// 6,371,000 m. A point is inside a geofence when its distance to the center is
// less than or equal to the radius. All functions are pure and safe for
// concurrent use.
package geo
