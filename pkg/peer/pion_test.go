package peer

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPionEngine_OfferHonoursReceiveConstraints(t *testing.T) {
	engine, err := NewPionEngine(PionConfig{Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.False(t, engine.LegacyConstraints())

	pc, err := engine.NewPeerConnection(webrtc.Configuration{}, nil)
	require.NoError(t, err)
	defer pc.Close()

	dc, err := pc.CreateDataChannel("chat", nil)
	require.NoError(t, err)
	assert.Equal(t, "chat", dc.Label())
	_, native := dc.(LowWatermarkNotifier)
	assert.True(t, native)

	offer, err := pc.CreateOffer(Constraints{OfferToReceiveAudio: true})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "a=recvonly")
	assert.NotContains(t, offer.SDP, "m=video")

	// a second offer must not add another receiver
	offer, err = pc.CreateOffer(Constraints{OfferToReceiveAudio: true})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(offer.SDP, "m=audio"))
}

func TestPionEngine_InvalidPortRange(t *testing.T) {
	_, err := NewPionEngine(PionConfig{PortMin: 6000, PortMax: 5000})
	assert.Error(t, err)
}
