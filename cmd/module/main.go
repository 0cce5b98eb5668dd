// Package main starts the OAK-D camera module.
package main

import (
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/oak-d/oak"
	"github.com/viam-modules/oak-d/oaksim"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: camera.API, Model: oak.Model},
		resource.APIModel{API: camera.API, Model: oaksim.Model},
	)
}
