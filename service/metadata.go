package service

import (
	"encoding/xml"

	"github.com/lemonbeat/service-client-go/lsbl"
)

const MetadataQueue = "SERVICE.METADATASERVICE"

type MetadataCmd struct {
	XMLName     xml.Name     `xml:"metadata_cmd"`
	MetadataSet *MetadataSet `xml:"metadata_set"`
	MetadataGet *MetadataGet `xml:"metadata_get"`
}

type MetadataSet struct {
	Sgtin     string              `xml:"sgtin,omitempty"`
	UUID      string              `xml:"uuid,omitempty"`
	Attribute []MetadataAttribute `xml:"attribute"`
}

type MetadataGet struct {
	Sgtin string `xml:"sgtin,omitempty"`
	UUID  string `xml:"uuid,omitempty"`
}

type MetadataAttribute struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

// Metadata stores and reads free form attributes of devices.
type Metadata struct {
	c Client
}

func NewMetadata(c Client) *Metadata {
	return &Metadata{c: c}
}

func (m *Metadata) SetBySgtin(sgtin string, attrs []MetadataAttribute, onResult func(*lsbl.Envelope)) error {
	return call(m.c, MetadataQueue, metadataSet(sgtin, attrs), onResult)
}

func (m *Metadata) SetBySgtinAwait(sgtin string, attrs []MetadataAttribute) (*lsbl.Envelope, error) {
	return await(m.c, MetadataQueue, metadataSet(sgtin, attrs))
}

func (m *Metadata) GetBySgtin(sgtin string, onResult func(*lsbl.Envelope)) error {
	return call(m.c, MetadataQueue, metadataGet(sgtin, ""), onResult)
}

func (m *Metadata) GetBySgtinAwait(sgtin string) (*lsbl.Envelope, error) {
	return await(m.c, MetadataQueue, metadataGet(sgtin, ""))
}

func (m *Metadata) GetByUUID(uuid string, onResult func(*lsbl.Envelope)) error {
	return call(m.c, MetadataQueue, metadataGet("", uuid), onResult)
}

func (m *Metadata) GetByUUIDAwait(uuid string) (*lsbl.Envelope, error) {
	return await(m.c, MetadataQueue, metadataGet("", uuid))
}

func metadataSet(sgtin string, attrs []MetadataAttribute) *MetadataCmd {
	return &MetadataCmd{MetadataSet: &MetadataSet{Sgtin: sgtin, Attribute: attrs}}
}

func metadataGet(sgtin, uuid string) *MetadataCmd {
	return &MetadataCmd{MetadataGet: &MetadataGet{Sgtin: sgtin, UUID: uuid}}
}
