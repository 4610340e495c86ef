package service

import (
	"encoding/xml"

	"github.com/lemonbeat/service-client-go/lsbl"
)

const TopoQueue = "SERVICE.TOPOSERVICE"

type TopoCmd struct {
	XMLName              xml.Name              `xml:"topo_cmd"`
	GwListGet            *empty                `xml:"gw_list_get"`
	GwDeviceListGet      *GwDeviceListGet      `xml:"gw_device_list_get"`
	DeviceDescriptionGet *DeviceDescriptionGet `xml:"device_description_get"`
}

type GwDeviceListGet struct {
	GwSgtin string `xml:"gw_sgtin"`
}

type DeviceDescriptionGet struct {
	DeviceSgtin string `xml:"device_sgtin"`
}

// Topo queries gateways and the devices known to them.
type Topo struct {
	c Client
}

func NewTopo(c Client) *Topo {
	return &Topo{c: c}
}

// GatewayList requests all known gateways.
func (t *Topo) GatewayList(onResult func(*lsbl.Envelope)) error {
	return call(t.c, TopoQueue, gwListGet(), onResult)
}

func (t *Topo) GatewayListAwait() (*lsbl.Envelope, error) {
	return await(t.c, TopoQueue, gwListGet())
}

// DeviceList requests all devices known to the gateway.
func (t *Topo) DeviceList(gatewaySgtin string, onResult func(*lsbl.Envelope)) error {
	return call(t.c, TopoQueue, gwDeviceListGet(gatewaySgtin), onResult)
}

func (t *Topo) DeviceListAwait(gatewaySgtin string) (*lsbl.Envelope, error) {
	return await(t.c, TopoQueue, gwDeviceListGet(gatewaySgtin))
}

// DeviceDescription requests the device description report of a device.
func (t *Topo) DeviceDescription(deviceSgtin string, onResult func(*lsbl.Envelope)) error {
	return call(t.c, TopoQueue, deviceDescriptionGet(deviceSgtin), onResult)
}

func (t *Topo) DeviceDescriptionAwait(deviceSgtin string) (*lsbl.Envelope, error) {
	return await(t.c, TopoQueue, deviceDescriptionGet(deviceSgtin))
}

func gwListGet() *TopoCmd {
	return &TopoCmd{GwListGet: &empty{}}
}

func gwDeviceListGet(gatewaySgtin string) *TopoCmd {
	return &TopoCmd{GwDeviceListGet: &GwDeviceListGet{GwSgtin: gatewaySgtin}}
}

func deviceDescriptionGet(deviceSgtin string) *TopoCmd {
	return &TopoCmd{DeviceDescriptionGet: &DeviceDescriptionGet{DeviceSgtin: deviceSgtin}}
}
