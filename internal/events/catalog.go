// Package events defines the player's domain events and the bus that
// delivers them.
package events

import (
	"time"

	"github.com/mikeyg42/streamplayer/internal/model"
)

// Tag names an event kind.
type Tag string

// Event is implemented by every payload published on the Bus.
type Event interface {
	Tag() Tag
}

const (
	TagPlayerReady              Tag = "playerReady"
	TagServerConnectionInitiate Tag = "serverConnectionInitiate"
	TagServerConnect            Tag = "serverConnect"
	TagServerDisconnect         Tag = "serverDisconnect"
	TagServerConnectionRestart  Tag = "serverConnectionRestart"
	TagServerConnectionError    Tag = "serverConnectionError"
	TagAllConnectionsFailed     Tag = "allConnectionsFailed"
	TagCompatibilityError       Tag = "compatibilityError"
	TagPlaybackRequest          Tag = "playbackRequest"
	TagPlaybackInitiate         Tag = "playbackInitiate"
	TagBufferingStart           Tag = "bufferingStart"
	TagBufferingComplete        Tag = "bufferingComplete"
	TagPlaybackStart            Tag = "playbackStart"
	TagPlaybackPause            Tag = "playbackPause"
	TagPlaybackForcePause       Tag = "playbackForcePause"
	TagPlaybackForceMute        Tag = "playbackForceMute"
	TagPlaybackStop             Tag = "playbackStop"
	TagPlaybackProgress         Tag = "playbackProgress"
	TagPlaybackError            Tag = "playbackError"
	TagStreamNotFound           Tag = "streamNotFound"
	TagOptionalStreamData       Tag = "optionalStreamData"
	TagSubscriptionStart        Tag = "subscriptionStart"
	TagSubscriptionComplete     Tag = "subscriptionComplete"
	TagSubscriptionFailed       Tag = "subscriptionFailed"
	TagStreamStateChange        Tag = "streamStateChange"
	TagPlaybackStateChange      Tag = "playbackStateChange"
	TagStreamStop               Tag = "streamStop"
	TagSourceListUpdate         Tag = "sourceListUpdate"
	TagQualityListUpdate        Tag = "qualityListUpdate"
	TagStreamMetadataUpdate     Tag = "streamMetadataUpdate"
	TagContainerChange          Tag = "containerChange"
	TagResizeUpdate             Tag = "resizeUpdate"
	TagSourceDowngrade          Tag = "sourceDowngrade"
	TagIncompatibleProtocol     Tag = "incompatibleProtocol"
	TagAuthorizationError       Tag = "authorizationError"
	TagAuthorizationComplete    Tag = "authorizationComplete"
	TagInvalidLicense           Tag = "invalidLicense"
	TagViewerLimitReached       Tag = "viewerLimitReached"
	TagLinkingPacket            Tag = "linkingPacket"
	TagPlayRequested            Tag = "playRequested"
	TagRestartRequested         Tag = "restartRequested"
	TagFocusChange              Tag = "focusChange"
)

type PlayerReady struct{ ID string }

type ServerConnectionInitiate struct{ Server model.ServerEndpoint }

type ServerConnect struct{ Server model.ServerEndpoint }

// ServerDisconnect is raised when an established connection closes without
// the caller asking for it.
type ServerDisconnect struct {
	Server  model.ServerEndpoint
	Restart bool
	Seq     int
}

type ServerConnectionRestart struct{ Silent bool }

type ServerConnectionError struct {
	Server  model.ServerEndpoint
	Restart bool
	Seq     int
	Err     error
}

type AllConnectionsFailed struct{}

type CompatibilityError struct{ Message string }

type PlaybackRequest struct{ StreamKey string }

type PlaybackInitiate struct{ StreamKey string }

type BufferingStart struct{}

type BufferingComplete struct{}

type PlaybackStart struct{}

type PlaybackPause struct{}

type PlaybackForcePause struct{}

type PlaybackForceMute struct{}

type PlaybackStop struct{}

// PlaybackProgress is relayed from the server's playbackProgress packet.
type PlaybackProgress struct {
	StreamStartTime    float64
	PlaybackStartTime  float64
	PlaybackDuration   float64
	UndeliveredPackets int
	DeliveredBytes     int64
	AbsoluteStreamTime float64
}

type PlaybackError struct{ Err error }

type StreamNotFound struct{ StreamKey string }

type OptionalStreamData struct{ Data map[string]any }

type SubscriptionStart struct{ StreamKey string }

type SubscriptionComplete struct{ StreamKey string }

type SubscriptionFailed struct {
	StreamKey string
	Reason    string
}

type StreamStateChange struct {
	StreamKey string
	State     model.StreamState
}

type PlaybackStateChange struct {
	StreamKey string
	State     model.PlaybackState
}

type StreamStop struct{ StreamKey string }

type SourceListUpdate struct{ Sources []model.SourceItem }

type QualityListUpdate struct{ Items []model.QualityItem }

type StreamMetadataUpdate struct{ Metadata model.StreamMetadata }

// ContainerChange signals the presentation container was reattached.
type ContainerChange struct{ Attached bool }

type ResizeUpdate struct{ Width, Height int }

// SourceDowngrade asks the quality controller to cap bandwidth.
type SourceDowngrade struct{ CapKbps int }

type IncompatibleProtocol struct {
	ClientVersion int
	ServerVersion int
}

type AuthorizationError struct{ Reason string }

type AuthorizationComplete struct{ ClientIP string }

type InvalidLicense struct{ State string }

type ViewerLimitReached struct{ StreamKey string }

// LinkingPacket carries a resolved progressive media URL.
type LinkingPacket struct{ URL string }

// PlayRequested asks the task queue to play a source.
type PlayRequested struct{ Source model.SourceItem }

// RestartRequested asks the session to reconnect.
type RestartRequested struct{ Silent bool }

type FocusChange struct {
	Focused bool
	At      time.Time
}

func (PlayerReady) Tag() Tag              { return TagPlayerReady }
func (ServerConnectionInitiate) Tag() Tag { return TagServerConnectionInitiate }
func (ServerConnect) Tag() Tag            { return TagServerConnect }
func (ServerDisconnect) Tag() Tag         { return TagServerDisconnect }
func (ServerConnectionRestart) Tag() Tag  { return TagServerConnectionRestart }
func (ServerConnectionError) Tag() Tag    { return TagServerConnectionError }
func (AllConnectionsFailed) Tag() Tag     { return TagAllConnectionsFailed }
func (CompatibilityError) Tag() Tag       { return TagCompatibilityError }
func (PlaybackRequest) Tag() Tag          { return TagPlaybackRequest }
func (PlaybackInitiate) Tag() Tag         { return TagPlaybackInitiate }
func (BufferingStart) Tag() Tag           { return TagBufferingStart }
func (BufferingComplete) Tag() Tag        { return TagBufferingComplete }
func (PlaybackStart) Tag() Tag            { return TagPlaybackStart }
func (PlaybackPause) Tag() Tag            { return TagPlaybackPause }
func (PlaybackForcePause) Tag() Tag       { return TagPlaybackForcePause }
func (PlaybackForceMute) Tag() Tag        { return TagPlaybackForceMute }
func (PlaybackStop) Tag() Tag             { return TagPlaybackStop }
func (PlaybackProgress) Tag() Tag         { return TagPlaybackProgress }
func (PlaybackError) Tag() Tag            { return TagPlaybackError }
func (StreamNotFound) Tag() Tag           { return TagStreamNotFound }
func (OptionalStreamData) Tag() Tag       { return TagOptionalStreamData }
func (SubscriptionStart) Tag() Tag        { return TagSubscriptionStart }
func (SubscriptionComplete) Tag() Tag     { return TagSubscriptionComplete }
func (SubscriptionFailed) Tag() Tag       { return TagSubscriptionFailed }
func (StreamStateChange) Tag() Tag        { return TagStreamStateChange }
func (PlaybackStateChange) Tag() Tag      { return TagPlaybackStateChange }
func (StreamStop) Tag() Tag               { return TagStreamStop }
func (SourceListUpdate) Tag() Tag         { return TagSourceListUpdate }
func (QualityListUpdate) Tag() Tag        { return TagQualityListUpdate }
func (StreamMetadataUpdate) Tag() Tag     { return TagStreamMetadataUpdate }
func (ContainerChange) Tag() Tag          { return TagContainerChange }
func (ResizeUpdate) Tag() Tag             { return TagResizeUpdate }
func (SourceDowngrade) Tag() Tag          { return TagSourceDowngrade }
func (IncompatibleProtocol) Tag() Tag     { return TagIncompatibleProtocol }
func (AuthorizationError) Tag() Tag       { return TagAuthorizationError }
func (AuthorizationComplete) Tag() Tag    { return TagAuthorizationComplete }
func (InvalidLicense) Tag() Tag           { return TagInvalidLicense }
func (ViewerLimitReached) Tag() Tag       { return TagViewerLimitReached }
func (LinkingPacket) Tag() Tag            { return TagLinkingPacket }
func (PlayRequested) Tag() Tag            { return TagPlayRequested }
func (RestartRequested) Tag() Tag         { return TagRestartRequested }
func (FocusChange) Tag() Tag              { return TagFocusChange }
