package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonogram(t *testing.T) {
	tests := []struct {
		w, h int
		want string
	}{
		{640, 360, "LQ"},
		{854, 480, "SD"},
		{1280, 720, "HD"},
		{1920, 1080, "FH"},
		{1080, 1920, "FH"},
		{2560, 1440, "2K"},
		{3840, 2160, "4K"},
		{7680, 4320, "UN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Monogram(tt.w, tt.h))
		})
	}
}

func TestServerEndpointURLs(t *testing.T) {
	s := ServerEndpoint{Host: "edge.example.com", Application: "live", Secure: true}
	assert.Equal(t, "wss://edge.example.com:443/storm/v2/live", s.URL())
	assert.Equal(t, "https://edge.example.com:443/hls/x.m3u8", s.ResourceURL("hls/x.m3u8"))

	s = ServerEndpoint{Host: "10.0.0.2", Application: "/app", Port: 8080}
	assert.Equal(t, "ws://10.0.0.2:8080/storm/v2/app", s.URL())
}

func TestParseQualityMode(t *testing.T) {
	m, err := ParseQualityMode(" resolution_aware ")
	require.NoError(t, err)
	assert.Equal(t, ModeResolutionAware, m)

	_, err = ParseQualityMode("best")
	assert.Error(t, err)
}

func TestBufferTelemetryString(t *testing.T) {
	s := BufferTelemetry{Seconds: 0.7, Min: 0.2, Target: 0.7, Max: 2, Condition: ConditionTarget, PlaybackRate: 1}.String()
	assert.True(t, strings.HasPrefix(s, "["))
	assert.Contains(t, s, "T")
	assert.Contains(t, s, "0.70s TARGET x1.0")
}
