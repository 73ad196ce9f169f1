package utils

import "time"

func MsToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// FrameInterval converts a framerate into the period between two shutter
// instants. Non-positive rates fall back to one second.
func FrameInterval(fps float64) time.Duration {
	if fps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / fps)
}
