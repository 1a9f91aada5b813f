package detect

import "time"

// Partition splits points into normal and anomalous subsets, preserving
// source order. Points whose flag is not strictly 0 or 1 are left out of
// both. A nil loc means UTC.
func Partition(points []Point, loc *time.Location) Result {
	if loc == nil {
		loc = time.UTC
	}
	res := EmptyResult()
	for _, p := range points {
		switch p.Anomaly {
		case FlagNormal:
			res.Normal = append(res.Normal, displayPoint(p, loc))
		case FlagAnomaly:
			res.Anomaly = append(res.Anomaly, displayPoint(p, loc))
		}
	}
	return res
}
