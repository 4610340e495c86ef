package service

import (
	"encoding/xml"

	"github.com/lemonbeat/service-client-go/lsbl"
)

const ValueQueue = "SERVICE.VALUESERVICE"

type ValueCmd struct {
	XMLName             xml.Name         `xml:"value_cmd"`
	ValueGet            *DeviceRef       `xml:"value_get"`
	ValueDescriptionGet *DeviceRef       `xml:"value_description_get"`
	ValueSet            *ValueSetRequest `xml:"value_set"`
}

// DeviceRef addresses a device by SGTIN or by UUID.
type DeviceRef struct {
	DeviceSgtin string `xml:"device_sgtin,omitempty"`
	DeviceUUID  string `xml:"device_uuid,omitempty"`
}

type ValueSetRequest struct {
	DeviceSgtin string `xml:"device_sgtin,omitempty"`
	DeviceUUID  string `xml:"device_uuid,omitempty"`
	Retries     int64  `xml:"retries"`
	LsDL        string `xml:"lsdl"`
}

// Value reads and writes device values.
type Value struct {
	c Client
}

func NewValue(c Client) *Value {
	return &Value{c: c}
}

func (v *Value) GetBySgtin(deviceSgtin string, onResult func(*lsbl.Envelope)) error {
	return call(v.c, ValueQueue, &ValueCmd{ValueGet: &DeviceRef{DeviceSgtin: deviceSgtin}}, onResult)
}

func (v *Value) GetBySgtinAwait(deviceSgtin string) (*lsbl.Envelope, error) {
	return await(v.c, ValueQueue, &ValueCmd{ValueGet: &DeviceRef{DeviceSgtin: deviceSgtin}})
}

func (v *Value) GetByUUID(deviceUUID string, onResult func(*lsbl.Envelope)) error {
	return call(v.c, ValueQueue, &ValueCmd{ValueGet: &DeviceRef{DeviceUUID: deviceUUID}}, onResult)
}

func (v *Value) GetByUUIDAwait(deviceUUID string) (*lsbl.Envelope, error) {
	return await(v.c, ValueQueue, &ValueCmd{ValueGet: &DeviceRef{DeviceUUID: deviceUUID}})
}

func (v *Value) DescriptionBySgtin(deviceSgtin string, onResult func(*lsbl.Envelope)) error {
	return call(v.c, ValueQueue, &ValueCmd{ValueDescriptionGet: &DeviceRef{DeviceSgtin: deviceSgtin}}, onResult)
}

func (v *Value) DescriptionBySgtinAwait(deviceSgtin string) (*lsbl.Envelope, error) {
	return await(v.c, ValueQueue, &ValueCmd{ValueDescriptionGet: &DeviceRef{DeviceSgtin: deviceSgtin}})
}

func (v *Value) DescriptionByUUID(deviceUUID string, onResult func(*lsbl.Envelope)) error {
	return call(v.c, ValueQueue, &ValueCmd{ValueDescriptionGet: &DeviceRef{DeviceUUID: deviceUUID}}, onResult)
}

func (v *Value) DescriptionByUUIDAwait(deviceUUID string) (*lsbl.Envelope, error) {
	return await(v.c, ValueQueue, &ValueCmd{ValueDescriptionGet: &DeviceRef{DeviceUUID: deviceUUID}})
}

// SetBySgtin writes values to a device. The gateway retries delivery to the
// device up to retries times.
func (v *Value) SetBySgtin(deviceSgtin string, values []ValueSet, retries int64, onResult func(*lsbl.Envelope)) error {
	cmd, err := valueSet(DeviceRef{DeviceSgtin: deviceSgtin}, values, retries)
	if err != nil {
		return err
	}
	return call(v.c, ValueQueue, cmd, onResult)
}

func (v *Value) SetBySgtinAwait(deviceSgtin string, values []ValueSet, retries int64) (*lsbl.Envelope, error) {
	cmd, err := valueSet(DeviceRef{DeviceSgtin: deviceSgtin}, values, retries)
	if err != nil {
		return nil, err
	}
	return await(v.c, ValueQueue, cmd)
}

func (v *Value) SetByUUID(deviceUUID string, values []ValueSet, retries int64, onResult func(*lsbl.Envelope)) error {
	cmd, err := valueSet(DeviceRef{DeviceUUID: deviceUUID}, values, retries)
	if err != nil {
		return err
	}
	return call(v.c, ValueQueue, cmd, onResult)
}

func (v *Value) SetByUUIDAwait(deviceUUID string, values []ValueSet, retries int64) (*lsbl.Envelope, error) {
	cmd, err := valueSet(DeviceRef{DeviceUUID: deviceUUID}, values, retries)
	if err != nil {
		return nil, err
	}
	return await(v.c, ValueQueue, cmd)
}

func valueSet(ref DeviceRef, values []ValueSet, retries int64) (*ValueCmd, error) {
	doc, err := writeValueSet(values)
	if err != nil {
		return nil, err
	}
	return &ValueCmd{ValueSet: &ValueSetRequest{
		DeviceSgtin: ref.DeviceSgtin,
		DeviceUUID:  ref.DeviceUUID,
		Retries:     retries,
		LsDL:        doc,
	}}, nil
}
