package ov

import (
	"rig-shutter/pkg/utils/ps"
)

type Params struct {
	Shutter      float64 `json:"shutter"`
	Framerate    float64 `json:"framerate" binding:"required,gt=0"`
	Gain         float64 `json:"gain"`
	BitsPerPixel int     `json:"bitsPerPixel" binding:"required,oneof=8 12 16 24"`
}

type Paths struct {
	Primary   string `json:"primary" binding:"required"`
	Secondary string `json:"secondary"`
}

type Start struct {
	Producers int `json:"producers" binding:"gte=0"`
	Consumers int `json:"consumers" binding:"gte=0"`
}

type Schedule struct {
	// ms, 0 stops the schedule
	Interval int `json:"interval" binding:"gte=0"`
}

type DeviceStatus struct {
	CPU    ps.CPU    `json:"cpu"`
	Memory ps.Memory `json:"memory"`
	Disks  []ps.Disk `json:"disks"`
}
