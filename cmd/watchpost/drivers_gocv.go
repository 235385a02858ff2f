//go:build gocv

package main

import "watchpost/internal/camera"

func init() {
	extraDrivers = append(extraDrivers, camera.NewGoCVDriver())
}
