package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mikeyg42/streamplayer/internal/model"
)

// ProtocolVersion is the wire protocol revision this client speaks.
const ProtocolVersion = 1

// Packet ids exchanged with the server.
const (
	PacketClientHandshake    = "clientHandshake"
	PacketServerHandshake    = "serverHandshake"
	PacketAppInfo            = "appInfo"
	PacketAppAuthRequest     = "appAuthRequest"
	PacketAppAuthResult      = "appAuthResult"
	PacketSubscribeRequest   = "subscribeRequest"
	PacketSubscribeResult    = "subscribeResult"
	PacketSubscribeUpdate    = "subscribeUpdate"
	PacketUnsubscribeRequest = "unsubscribeRequest"
	PacketUnsubscribeResult  = "unsubscribeResult"
	PacketPlayRequest        = "playRequest"
	PacketPlayResult         = "playResult"
	PacketPauseRequest       = "pauseRequest"
	PacketStreamMetadata     = "streamMetadata"
	PacketPlaybackProgress   = "playbackProgress"
	PacketPlaybackStop       = "playbackStop"
	PacketLinking            = "playbackLinkingPacket"
	PacketProtocolMismatch   = "protocolMismatch"
	PacketInvalidLicense     = "invalidLicense"
	PacketUnauthorizedAction = "unauthorizedAction"
	PacketViewerReport       = "viewerReport"
)

// Envelope is the JSON frame every text message travels in.
type Envelope struct {
	PacketID string          `json:"packetId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

var errMissingPacketID = errors.New("decode envelope: missing packetId")

func encode(packetID string, data any) ([]byte, error) {
	env := Envelope{PacketID: packetID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", packetID, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.PacketID == "" {
		return env, errMissingPacketID
	}
	return env, nil
}

func payload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.PacketID, err)
	}
	return v, nil
}

type playerInfo struct {
	Type        string `json:"type"`
	Version     string `json:"version"`
	Branch      string `json:"branch"`
	ProtocolVer int    `json:"protocolVer"`
}

type environmentInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Runtime  string `json:"runtime"`
	Hostname string `json:"hostname,omitempty"`
	Timezone string `json:"timezone"`
}

type capabilityFlags struct {
	MSE         bool     `json:"mse"`
	MMS         bool     `json:"mms"`
	WebCodecs   bool     `json:"webcodecs"`
	HLS         bool     `json:"hls"`
	VideoCodecs []string `json:"videoCodecs"`
	AudioCodecs []string `json:"audioCodecs"`
}

type clientHandshake struct {
	Player       playerInfo      `json:"player"`
	Environment  environmentInfo `json:"environment"`
	Capabilities capabilityFlags `json:"capabilities"`
	UserID       string          `json:"userId"`
}

// ServerInfo is what the server reports about itself in serverHandshake.
type ServerInfo struct {
	ServerName    string `json:"serverName"`
	GroupName     string `json:"groupName"`
	HostName      string `json:"hostName"`
	ServerVersion string `json:"serverVersion"`
}

// AppInfo describes the server application the session is attached to.
type AppInfo struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	PlaybackSettings struct {
		TokenRequired    bool     `json:"tokenRequired"`
		DVREnabled       bool     `json:"dvrEnabled"`
		AllowedHarnesses []string `json:"allowedHarnesses"`
	} `json:"playbackSettings"`
}

type appAuthRequest struct {
	Token  string `json:"token,omitempty"`
	Secret string `json:"secret,omitempty"`
}

type appAuthResult struct {
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	IPAddress string `json:"ipAddress"`
}

type streamKeyPacket struct {
	StreamKey string `json:"streamKey"`
}

type wireStreamInfo struct {
	Label   string  `json:"label"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	FPS     float64 `json:"fps"`
	Bitrate int     `json:"bitrate"`
}

type wireStream struct {
	StreamKey  string         `json:"streamKey"`
	StreamInfo wireStreamInfo `json:"streamInfo"`
}

type subscribeResult struct {
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	StreamKey     string         `json:"streamKey"`
	StreamState   string         `json:"streamState"`
	OptParameters map[string]any `json:"optParameters,omitempty"`
	StreamList    []wireStream   `json:"streamList,omitempty"`
}

type playRequest struct {
	Protocol        string `json:"protocol"`
	StreamKey       string `json:"streamKey"`
	SubscriptionKey string `json:"subscriptionKey"`
	Packetizer      string `json:"packetizer"`
	StartTime       int    `json:"startTime"`
}

type playResult struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	StreamKey   string `json:"streamKey"`
	StreamState string `json:"streamState,omitempty"`
}

type metadataPacket struct {
	VideoCodecID   int     `json:"videoCodecID"`
	VideoWidth     int     `json:"videoWidth"`
	VideoHeight    int     `json:"videoHeight"`
	VideoDataRate  int     `json:"videoDataRate"`
	VideoTimeScale int     `json:"videoTimeScale"`
	ConstFrameRate bool    `json:"constFrameRate"`
	FrameRate      float64 `json:"frameRate"`
	AudioCodecID   int     `json:"audioCodecID"`
}

type progressPacket struct {
	StreamStartTime          float64 `json:"streamStartTime"`
	StreamDuration           float64 `json:"streamDuration"`
	PlaybackStartTime        float64 `json:"playbackStartTime"`
	PlaybackDuration         float64 `json:"playbackDuration"`
	DVRCacheSize             float64 `json:"dvrCacheSize"`
	RecentUndeliveredPackets int     `json:"recentUndeliveredPackets"`
	DeliveredBytes           int64   `json:"deliveredBytes"`
}

type linkingPacket struct {
	Path string `json:"path"`
}

type protocolMismatch struct {
	ServerProtocolVer json.Number `json:"serverProtocolVer"`
	ClientProtocolVer json.Number `json:"clientProtocolVer"`
}

type invalidLicense struct {
	LicenseState string `json:"licenseState"`
}

type unauthorizedAction struct {
	Action string `json:"action"`
}

// ViewerReport is the periodic client-side quality report.
type ViewerReport struct {
	BufferSize         float64 `json:"bufferSize"`
	BufferDeviation    float64 `json:"bufferDev"`
	BufferStability    string  `json:"bufferStability"`
	PlaybackRate       float64 `json:"playbackRate"`
	BandwidthStability string  `json:"bwStability"`
	BandwidthCap       int     `json:"bwCap"`
	ActionTimer        float64 `json:"actionTimer"`
}

func (w wireStream) source() model.SourceItem {
	i := w.StreamInfo
	return model.SourceItem{
		Protocol:  "storm",
		StreamKey: w.StreamKey,
		Info:      model.NewRenditionInfo(i.Label, i.Width, i.Height, i.FPS, i.Bitrate),
	}
}

func (m metadataPacket) metadata() model.StreamMetadata {
	md := model.StreamMetadata{
		VideoCodec: videoCodecName(m.VideoCodecID),
		AudioCodec: audioCodecName(m.AudioCodecID),
		Width:      m.VideoWidth,
		Height:     m.VideoHeight,
		Bitrate:    m.VideoDataRate,
		Timescale:  m.VideoTimeScale,
	}
	if m.ConstFrameRate {
		md.FPS = m.FrameRate
	}
	return md
}

// Codec ids follow the FLV tag numbering the server uses.
func videoCodecName(id int) string {
	switch id {
	case 7:
		return "avc1"
	case 12:
		return "hvc1"
	case 13:
		return "av01"
	case 0:
		return "Unknown"
	}
	return fmt.Sprintf("video-%d", id)
}

func audioCodecName(id int) string {
	switch id {
	case 2:
		return "mp3"
	case 10:
		return "mp4a"
	case 13:
		return "opus"
	case 0:
		return "Unknown"
	}
	return fmt.Sprintf("audio-%d", id)
}
