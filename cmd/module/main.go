package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
	tmsRobot "tms_robot"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: tmsRobot.CoilControllerModel},
		resource.APIModel{API: discovery.API, Model: tmsRobot.PressureDiscoveryModel},
	)
}
