package config

import (
	"lumentree/pkg/device"
	"lumentree/pkg/gateway"
)

type Config struct {
	DeviceMgr  *device.Manager
	GatewayMgr *gateway.Manager
	Devices    []string // watched at startup
	CertFile   string
	KeyFile    string
}
