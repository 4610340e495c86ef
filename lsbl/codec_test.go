package lsbl_test

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/lemonbeat/service-client-go/lsbl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gwListGet struct {
	XMLName xml.Name `xml:"topo_cmd"`
	Gw      string   `xml:"gw_list_get>gw,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	body := &lsbl.Body{Inner: `<topo_cmd><gw_list_get/></topo_cmd>`}

	cases := map[string]*lsbl.Envelope{
		"command": {
			Hdr: &lsbl.Hdr{Token: "jwt"},
			Adr: &lsbl.Adr{Seq: 17, Src: "PARTNER.CLIENT.X.1", Target: "SERVICE.TOPOSERVICE", Type: lsbl.TypeCommand},
			Cmd: body,
		},
		"response": {
			Adr:      &lsbl.Adr{Seq: 17, Src: "SERVICE.TOPOSERVICE", Target: "PARTNER.CLIENT.X.1", Type: lsbl.TypeResponse},
			Response: &lsbl.Body{Inner: `<topo_response><gw_list_get><gw>A</gw></gw_list_get></topo_response>`},
		},
		"event": {
			Adr:   &lsbl.Adr{Seq: 42, Src: "SERVICE.TEST", Target: "EVENT.APP.FOO", Type: lsbl.TypeEvent},
			Event: &lsbl.Body{Inner: `<metadata_event><metadata_added sgtin="00AA"/></metadata_event>`},
		},
		"ack": lsbl.NewAck(&lsbl.Envelope{Adr: &lsbl.Adr{Seq: 3, Src: "a", Target: "b"}}),
		"nack": lsbl.NewNack(&lsbl.Envelope{Adr: &lsbl.Adr{Seq: 3, Src: "a", Target: "b"}},
			"E1", "boom", time.Unix(1700000000, 0)),
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := lsbl.Write(env)
			require.NoError(t, err)

			got, err := lsbl.Parse(p)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestParseStripsBOM(t *testing.T) {
	env, err := lsbl.NewEvent("SERVICE.TEST", "EVENT.APP.FOO", 42, nil)
	require.NoError(t, err)

	p, err := lsbl.Write(env)
	require.NoError(t, err)

	got, err := lsbl.Parse(append([]byte("\xef\xbb\xbf"), p...))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.Seq())
	assert.Equal(t, lsbl.TypeEvent, got.Kind())
}

func TestParseErrors(t *testing.T) {
	_, err := lsbl.Parse(nil)
	assert.ErrorIs(t, err, lsbl.ErrEmptyPayload)

	_, err = lsbl.Parse([]byte("\xef\xbb\xbf  "))
	assert.ErrorIs(t, err, lsbl.ErrEmptyPayload)

	_, err = lsbl.Parse([]byte("<lsbl><adr><seq>1</seq>"))
	assert.Error(t, err)

	_, err = lsbl.Parse([]byte("<other/>"))
	assert.ErrorIs(t, err, lsbl.ErrRootElement)

	_, err = lsbl.Parse([]byte("<lsbl></lsbl>"))
	assert.ErrorIs(t, err, lsbl.ErrNoAddress)

	_, err = lsbl.Write(&lsbl.Envelope{})
	assert.ErrorIs(t, err, lsbl.ErrNoAddress)
}

func TestNewNackReversesAddress(t *testing.T) {
	req := &lsbl.Envelope{Adr: &lsbl.Adr{Seq: 99, Src: "PARTNER.CLIENT.X.1", Target: "SERVICE.TOPO", Type: lsbl.TypeCommand}}

	nack := lsbl.NewNack(req, lsbl.ErrCodeTimeout, "The request timed out", time.Now())
	assert.True(t, lsbl.IsNack(nack))
	assert.Equal(t, uint32(99), nack.Seq())
	assert.Equal(t, "SERVICE.TOPO", nack.Adr.Src)
	assert.Equal(t, "PARTNER.CLIENT.X.1", nack.Adr.Target)

	n, ok := lsbl.NackOf(nack)
	require.True(t, ok)
	assert.Equal(t, lsbl.ErrCodeTimeout, n.ErrorCode)
	assert.Equal(t, "The request timed out", n.Message)
}

func TestNewCommandAndDecode(t *testing.T) {
	cmd, err := lsbl.NewCommand("SERVICE.TOPOSERVICE", &gwListGet{Gw: "G1"})
	require.NoError(t, err)
	cmd.SetToken("tok")

	p, err := lsbl.Write(cmd)
	require.NoError(t, err)

	got, err := lsbl.Parse(p)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token())
	assert.Equal(t, lsbl.TypeCommand, got.Kind())

	var body gwListGet
	require.NoError(t, got.Cmd.Decode(&body))
	assert.Equal(t, "G1", body.Gw)

	var empty *lsbl.Body
	assert.ErrorIs(t, empty.Decode(&body), lsbl.ErrEmptyBody)
}

func TestKindPredicates(t *testing.T) {
	var nilEnv *lsbl.Envelope
	assert.False(t, lsbl.IsResponse(nilEnv))
	assert.Equal(t, uint32(0), nilEnv.Seq())

	_, ok := lsbl.NackOf(lsbl.NewAck(nil))
	assert.False(t, ok)
	assert.True(t, lsbl.IsAck(lsbl.NewAck(nil)))
	assert.True(t, lsbl.TypeNack.Valid())
	assert.False(t, lsbl.MessageType("x").Valid())
}
