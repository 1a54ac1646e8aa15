// Package model holds the data types shared by the player components.
package model

import (
	"fmt"
	"strings"
)

// ServerEndpoint is one streaming server from configuration. Failed is set by
// the session when a connection attempt to it fails.
type ServerEndpoint struct {
	Host        string `yaml:"host" json:"host"`
	Application string `yaml:"application" json:"application"`
	Port        int    `yaml:"port" json:"port"`
	Secure      bool   `yaml:"secure" json:"secure"`
	Failed      bool   `yaml:"-" json:"failed"`
}

// URL returns the websocket address of the endpoint.
func (s ServerEndpoint) URL() string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/storm/v2/%s", scheme, s.Host, s.port(), strings.TrimPrefix(s.Application, "/"))
}

// ResourceURL resolves a server-relative path against the endpoint.
func (s ServerEndpoint) ResourceURL(path string) string {
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, s.Host, s.port(), path)
}

func (s ServerEndpoint) port() int {
	if s.Port <= 0 {
		return 443
	}
	return s.Port
}

func (s ServerEndpoint) String() string {
	return fmt.Sprintf("%s:%d/%s", s.Host, s.port(), s.Application)
}

// RenditionInfo describes one encoded variant of a stream.
type RenditionInfo struct {
	Label    string  `json:"label"`
	Monogram string  `json:"monogram"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Bitrate  int     `json:"bitrate"`
}

// NewRenditionInfo builds a RenditionInfo and derives its monogram.
func NewRenditionInfo(label string, width, height int, fps float64, bitrate int) RenditionInfo {
	return RenditionInfo{
		Label:    label,
		Monogram: Monogram(width, height),
		Width:    width,
		Height:   height,
		FPS:      fps,
		Bitrate:  bitrate,
	}
}

// Monogram maps the shorter frame side to a quality tier.
func Monogram(width, height int) string {
	side := min(width, height)
	switch {
	case side <= 360:
		return "LQ"
	case side <= 480:
		return "SD"
	case side <= 720:
		return "HD"
	case side <= 1080:
		return "FH"
	case side <= 1440:
		return "2K"
	case side <= 2160:
		return "4K"
	default:
		return "UN"
	}
}

// SourceItem is a playable rendition of a stream.
type SourceItem struct {
	Protocol  string        `json:"protocol"`
	StreamKey string        `json:"streamKey"`
	Info      RenditionInfo `json:"streamInfo"`
}

// QualityItem is the UI-facing projection of a rendition. ID 0 is Auto.
type QualityItem struct {
	ID       int    `json:"id"`
	Label    string `json:"label"`
	Monogram string `json:"monogram"`
	Selected bool   `json:"isSelected"`
	Auto     bool   `json:"isAuto"`
}

// StreamData is the stream-related part of player configuration.
type StreamData struct {
	Servers   []ServerEndpoint
	Sources   []SourceItem
	StreamKey string
}

// StreamMetadata is the decoded streamMetadata packet.
type StreamMetadata struct {
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec"`
	Width      int     `json:"videoWidth"`
	Height     int     `json:"videoHeight"`
	FPS        float64 `json:"fps"`
	Bitrate    int     `json:"bitrate"`
	Timescale  int     `json:"videoTimeScale"`
}
