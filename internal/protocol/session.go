// Package protocol maintains the player's session with a streaming server:
// endpoint selection and failover, the handshake and authorization exchange,
// and relaying subscribe, play and pause intents.
package protocol

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/sink"
)

// DefaultConnectTimeout bounds how long an attempt may stay CONNECTING.
const DefaultConnectTimeout = 5 * time.Second

var (
	ErrNoServers            = errors.New("no servers configured")
	ErrAllConnectionsFailed = errors.New("all connections failed")
	ErrNotConnected         = errors.New("not connected")
	ErrConnectTimeout       = errors.New("connect timeout")
)

// StateReporter receives stream and playback state derived from server
// replies. The playback controller implements it.
type StateReporter interface {
	SetStreamState(state model.StreamState, streamKey string)
	SetPlaybackState(state model.PlaybackState)
}

// Config holds session settings.
type Config struct {
	Token          string
	Secret         string
	RestartOnError bool
	// ReconnectTime is the delay before reconnecting, or the initial
	// interval when ExponentialReconnect is set.
	ReconnectTime        time.Duration
	ExponentialReconnect bool
	MaxReconnectTime     time.Duration
	ConnectTimeout       time.Duration
	Version              string
	Branch               string
	Capabilities         sink.Capabilities
}

type attempt struct {
	seq    int
	server int
	cancel context.CancelFunc
	timer  loop.Timer
	conn   Conn
	done   bool
}

// Session is the single logical connection of a player. All methods must be
// called on the scheduler.
type Session struct {
	cfg    Config
	sched  loop.Scheduler
	bus    *events.Bus
	stream *model.StreamData
	dialer Dialer
	log    logging.Logger
	state  StateReporter

	userID    string
	seq       int
	att       *attempt
	connState model.ConnectionState
	reconnect backoff.BackOff
	retry     loop.Timer
	byUser    bool

	authorized    bool
	unsubscribing bool
	inFlight      string
	pendingKey    string
	hasPending    bool
	currentKey    string
	lastState     string
	serverInfo    *ServerInfo
	appInfo       *AppInfo
	onBinary      func([]byte)
	bandwidth     *analyse.BandwidthAnalyser
}

// NewSession creates a session over stream's server list. state may be set
// later with SetStateReporter.
func NewSession(cfg Config, sched loop.Scheduler, bus *events.Bus, stream *model.StreamData, dialer Dialer, state StateReporter, log logging.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectTime <= 0 {
		cfg.ReconnectTime = time.Second
	}
	s := &Session{
		cfg:       cfg,
		sched:     sched,
		bus:       bus,
		stream:    stream,
		dialer:    dialer,
		state:     state,
		log:       logging.OrGlobal(log).Named("session"),
		userID:    uuid.NewString(),
		connState: model.ConnNotInitialized,
		reconnect: reconnectPolicy(cfg),
		bandwidth: analyse.NewBandwidthAnalyser(sched.Now),
	}
	events.MustOn(bus, "session", func(e events.RestartRequested) { s.Restart(e.Silent) })
	return s
}

func reconnectPolicy(cfg Config) backoff.BackOff {
	if !cfg.ExponentialReconnect {
		return backoff.NewConstantBackOff(cfg.ReconnectTime)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectTime
	b.MaxInterval = cfg.MaxReconnectTime
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = 30 * cfg.ReconnectTime
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Session) SetStateReporter(r StateReporter) { s.state = r }

// SetBinaryHandler installs the receiver for binary media frames.
func (s *Session) SetBinaryHandler(fn func([]byte)) { s.onBinary = fn }

// SetServers replaces the endpoint list and clears every failed mark.
func (s *Session) SetServers(list []model.ServerEndpoint) {
	fresh := make([]model.ServerEndpoint, len(list))
	for i, ep := range list {
		ep.Failed = false
		fresh[i] = ep
	}
	s.stream.Servers = fresh
}

func (s *Session) Servers() []model.ServerEndpoint {
	return append([]model.ServerEndpoint(nil), s.stream.Servers...)
}

func (s *Session) ConnectionState() model.ConnectionState { return s.connState }
func (s *Session) Authorized() bool                       { return s.authorized }
func (s *Session) UserID() string                         { return s.userID }
func (s *Session) Seq() int                               { return s.seq }
func (s *Session) ServerInfo() *ServerInfo                { return s.serverInfo }
func (s *Session) AppInfo() *AppInfo                      { return s.appInfo }
func (s *Session) CurrentStreamKey() string               { return s.currentKey }

// Bandwidth is fed with the server-reported undelivered packet counts.
func (s *Session) Bandwidth() *analyse.BandwidthAnalyser { return s.bandwidth }

// PendingSubscribe reports a subscribe intent waiting for authorization.
func (s *Session) PendingSubscribe() (string, bool) { return s.pendingKey, s.hasPending }

// CurrentServer returns the endpoint of the live or in-progress attempt.
func (s *Session) CurrentServer() (model.ServerEndpoint, bool) {
	if s.att == nil || s.att.server >= len(s.stream.Servers) {
		return model.ServerEndpoint{}, false
	}
	return s.stream.Servers[s.att.server], true
}

// Initialize connects unless a connection is already CONNECTING or CONNECTED.
func (s *Session) Initialize() {
	if s.connState == model.ConnConnecting || s.connState == model.ConnConnected {
		s.log.Debug("connection is alive, not doing anything")
		return
	}
	s.connect()
}

func (s *Session) pickServer() int {
	for i, ep := range s.stream.Servers {
		if !ep.Failed {
			return i
		}
	}
	return -1
}

func (s *Session) connect() {
	s.byUser = false
	s.stopRetry()
	idx := s.pickServer()
	if idx < 0 {
		s.connState = model.ConnFailed
		s.att = nil
		err := ErrAllConnectionsFailed
		if len(s.stream.Servers) == 0 {
			err = ErrNoServers
		}
		s.log.Error("cannot connect", logging.Error(err))
		s.bus.Publish(events.AllConnectionsFailed{})
		return
	}

	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{seq: s.seq, server: idx, cancel: cancel}
	s.att = att
	s.connState = model.ConnConnecting

	ep := s.stream.Servers[idx]
	s.log.Info("starting connection", logging.String("url", ep.URL()), logging.Int("seq", att.seq))
	s.bus.Publish(events.ServerConnectionInitiate{Server: ep})

	att.timer = s.sched.AfterFunc(s.cfg.ConnectTimeout, func() {
		if s.att == att && !att.done && att.conn == nil {
			s.log.Warn("connection attempt timed out", logging.Duration("timeout", s.cfg.ConnectTimeout))
			att.cancel()
			s.onClose(att, ErrConnectTimeout)
		}
	})
	s.dialer.Dial(ctx, ep.URL(), Handler{
		OnOpen:    func(c Conn) { s.sched.Post(func() { s.onOpen(att, c) }) },
		OnMessage: func(bin bool, data []byte) { s.sched.Post(func() { s.onMessage(att, bin, data) }) },
		OnClose:   func(err error) { s.sched.Post(func() { s.onClose(att, err) }) },
	})
}

func (s *Session) onOpen(att *attempt, c Conn) {
	if att != s.att || att.done {
		c.Close()
		return
	}
	att.timer.Stop()
	att.conn = c
	s.connState = model.ConnConnected
	s.reconnect.Reset()

	ep := s.stream.Servers[att.server]
	s.log.Info("connection established", logging.String("server", ep.String()))
	s.bus.Publish(events.ServerConnect{Server: ep})
	s.sendHandshake()
}

func (s *Session) onClose(att *attempt, err error) {
	if att != s.att || att.done {
		return
	}
	att.done = true
	att.timer.Stop()
	att.cancel()
	opened := att.conn != nil
	att.conn = nil
	s.connState = model.ConnClosed
	s.clearSession()

	if s.byUser {
		s.log.Warn("force disconnect from server")
		return
	}

	// Anything but a clean close by the server fails the endpoint, so the
	// next attempt moves on to another one.
	ep := s.stream.Servers[att.server]
	if !opened || !cleanClose(err) {
		s.stream.Servers[att.server].Failed = true
		s.connState = model.ConnFailed
		s.log.Error("connection with the server failed", logging.String("server", ep.String()), logging.Error(err))
		s.bus.Publish(events.ServerConnectionError{Server: ep, Restart: s.cfg.RestartOnError, Seq: att.seq, Err: err})
	}
	if opened {
		s.log.Error("connection with the server has been closed", logging.String("server", ep.String()), logging.Error(err))
		s.bus.Publish(events.ServerDisconnect{Server: ep, Restart: s.cfg.RestartOnError, Seq: att.seq})
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.byUser || !s.cfg.RestartOnError {
		return
	}
	d := s.reconnect.NextBackOff()
	if d == backoff.Stop {
		s.log.Warn("reconnect policy exhausted")
		return
	}
	s.stopRetry()
	s.log.Info("will reconnect", logging.Duration("in", d))
	s.retry = s.sched.AfterFunc(d, s.connect)
}

func (s *Session) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) clearSession() {
	s.authorized = false
	s.unsubscribing = false
	s.inFlight = ""
	s.lastState = ""
	s.serverInfo = nil
	s.appInfo = nil
}

// Disconnect closes the connection without failover or events.
func (s *Session) Disconnect() {
	s.byUser = true
	s.stopRetry()
	if att := s.att; att != nil && !att.done {
		att.done = true
		att.timer.Stop()
		att.cancel()
		if att.conn != nil {
			att.conn.Close()
			att.conn = nil
		}
	}
	if s.connState != model.ConnNotInitialized {
		s.connState = model.ConnClosed
	}
	s.clearSession()
}

// Restart reconnects and re-subscribes to the current stream key.
func (s *Session) Restart(silent bool) {
	s.bus.Publish(events.ServerConnectionRestart{Silent: silent})
	s.Disconnect()
	s.connect()
	if s.currentKey != "" {
		s.Subscribe(s.currentKey)
	}
}

func (s *Session) send(packetID string, data any) error {
	if s.att == nil || s.att.conn == nil {
		return ErrNotConnected
	}
	frame, err := encode(packetID, data)
	if err != nil {
		return err
	}
	if err := s.att.conn.WriteText(frame); err != nil {
		s.log.Warn("send failed", logging.String("packet", packetID), logging.Error(err))
		return err
	}
	return nil
}

func (s *Session) connected() bool { return s.att != nil && s.att.conn != nil }

func (s *Session) sendHandshake() {
	host, _ := os.Hostname()
	caps := s.cfg.Capabilities
	s.send(PacketClientHandshake, clientHandshake{
		Player: playerInfo{
			Type:        "go",
			Version:     s.cfg.Version,
			Branch:      s.cfg.Branch,
			ProtocolVer: ProtocolVersion,
		},
		Environment: environmentInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Runtime:  runtime.Version(),
			Hostname: host,
			Timezone: s.sched.Now().Location().String(),
		},
		Capabilities: capabilityFlags{
			MSE:         caps.Segmented,
			HLS:         caps.Progressive,
			VideoCodecs: caps.VideoCodecs,
			AudioCodecs: caps.AudioCodecs,
		},
		UserID: s.userID,
	})
}

// Subscribe requests key. Before authorization, or while an unsubscribe is
// in flight, the latest key is kept as a pending intent and sent once the
// session can accept it.
func (s *Session) Subscribe(key string) {
	if !s.authorized || s.unsubscribing {
		s.pendingKey, s.hasPending = key, true
		s.log.Debug("subscribe deferred", logging.String("streamKey", key),
			logging.Bool("authorized", s.authorized), logging.Bool("unsubscribing", s.unsubscribing))
		if s.att == nil || s.att.done {
			s.Initialize()
		}
		return
	}
	if !s.connected() {
		s.Initialize()
		return
	}
	if key == s.inFlight {
		s.log.Debug("subscribe already in flight", logging.String("streamKey", key))
		return
	}
	s.log.Info("stream key registered", logging.String("streamKey", key))
	s.bus.Publish(events.SubscriptionStart{StreamKey: key})
	s.currentKey = key
	s.stream.StreamKey = key
	s.inFlight = key
	s.send(PacketSubscribeRequest, streamKeyPacket{StreamKey: key})
}

func (s *Session) drainPending() {
	if !s.hasPending {
		return
	}
	key := s.pendingKey
	s.pendingKey, s.hasPending = "", false
	s.Subscribe(key)
}

// Unsubscribe sends one unsubscribe request. Repeated calls while it is in
// flight are ignored.
func (s *Session) Unsubscribe() {
	if !s.authorized || s.unsubscribing {
		return
	}
	s.unsubscribing = true
	s.lastState = ""
	s.inFlight = ""
	if !s.connected() {
		s.Initialize()
		return
	}
	s.send(PacketUnsubscribeRequest, struct{}{})
}

// PlaySignal asks the server to start delivering source using packetizer.
func (s *Session) PlaySignal(source model.SourceItem, packetizer string) {
	if !s.connected() {
		s.Initialize()
		return
	}
	s.bus.Publish(events.PlaybackRequest{StreamKey: source.StreamKey})
	s.send(PacketPlayRequest, playRequest{
		Protocol:        "storm",
		StreamKey:       source.StreamKey,
		SubscriptionKey: s.stream.StreamKey,
		Packetizer:      packetizer,
	})
}

func (s *Session) PauseSignal() {
	if s.connected() {
		s.send(PacketPauseRequest, nil)
	}
}

func (s *Session) ViewerReport(r ViewerReport) {
	if s.connected() {
		s.send(PacketViewerReport, r)
	}
}

func (s *Session) onMessage(att *attempt, binary bool, data []byte) {
	if att != s.att || att.done {
		return
	}
	if binary {
		if s.onBinary != nil {
			s.onBinary(data)
		}
		return
	}
	env, err := decode(data)
	if err != nil {
		s.log.Warn("dropping malformed packet", logging.Error(err))
		return
	}
	if err := s.handle(env); err != nil {
		s.log.Warn("dropping packet", logging.String("packet", env.PacketID), logging.Error(err))
	}
}

func (s *Session) handle(env Envelope) error {
	switch env.PacketID {
	case PacketUnauthorizedAction:
		p, err := payload[unauthorizedAction](env)
		if err != nil {
			return err
		}
		s.log.Error("action refused, session is not authenticated", logging.String("action", p.Action))

	case PacketProtocolMismatch:
		p, err := payload[protocolMismatch](env)
		if err != nil {
			return err
		}
		server, _ := strconv.Atoi(p.ServerProtocolVer.String())
		s.log.Error("incompatible protocol version",
			logging.Int("client", ProtocolVersion), logging.Int("server", server))
		s.bus.Publish(events.IncompatibleProtocol{ClientVersion: ProtocolVersion, ServerVersion: server})

	case PacketInvalidLicense:
		p, err := payload[invalidLicense](env)
		if err != nil {
			return err
		}
		s.log.Error("invalid server license", logging.String("state", p.LicenseState))
		s.bus.Publish(events.InvalidLicense{State: p.LicenseState})

	case PacketServerHandshake:
		p, err := payload[ServerInfo](env)
		if err != nil {
			return err
		}
		s.serverInfo = &p

	case PacketAppInfo:
		p, err := payload[AppInfo](env)
		if err != nil {
			return err
		}
		s.onAppInfo(p)

	case PacketAppAuthResult:
		p, err := payload[appAuthResult](env)
		if err != nil {
			return err
		}
		s.onAuthResult(p)

	case PacketSubscribeResult:
		p, err := payload[subscribeResult](env)
		if err != nil {
			return err
		}
		s.onSubscribeResult(p)

	case PacketSubscribeUpdate:
		p, err := payload[subscribeResult](env)
		if err != nil {
			return err
		}
		s.updateSources(p.StreamList)
		s.updateStreamStatus(p.StreamState, p.StreamKey)

	case PacketPlayResult:
		p, err := payload[playResult](env)
		if err != nil {
			return err
		}
		s.onPlayResult(p)

	case PacketStreamMetadata:
		p, err := payload[metadataPacket](env)
		if err != nil {
			return err
		}
		s.log.Info("metadata has arrived")
		s.bus.Publish(events.StreamMetadataUpdate{Metadata: p.metadata()})

	case PacketPlaybackProgress:
		p, err := payload[progressPacket](env)
		if err != nil {
			return err
		}
		s.bandwidth.AddEntry(float64(p.RecentUndeliveredPackets))
		s.bus.Publish(events.PlaybackProgress{
			StreamStartTime:    p.StreamStartTime,
			PlaybackStartTime:  p.PlaybackStartTime,
			PlaybackDuration:   p.PlaybackDuration,
			UndeliveredPackets: p.RecentUndeliveredPackets,
			DeliveredBytes:     p.DeliveredBytes,
			AbsoluteStreamTime: p.StreamStartTime + p.StreamDuration,
		})

	case PacketPlaybackStop:
		s.log.Info("stream stop")
		s.bus.Publish(events.StreamStop{StreamKey: s.currentKey})

	case PacketLinking:
		p, err := payload[linkingPacket](env)
		if err != nil {
			return err
		}
		ep, ok := s.CurrentServer()
		if !ok {
			return ErrNotConnected
		}
		s.bus.Publish(events.LinkingPacket{URL: ep.ResourceURL(p.Path)})

	case PacketUnsubscribeResult:
		s.unsubscribing = false
		s.drainPending()

	default:
		s.log.Debug("unhandled packet", logging.String("packet", env.PacketID))
	}
	return nil
}

func (s *Session) onAppInfo(p AppInfo) {
	s.appInfo = &p
	s.log.Info("application data", logging.String("name", p.Name), logging.String("type", p.Type))
	req := appAuthRequest{Secret: s.cfg.Secret}
	if p.PlaybackSettings.TokenRequired {
		if s.cfg.Token == "" {
			s.log.Error("application requires a token and none was provided, disconnecting",
				logging.String("application", p.Name))
			s.bus.Publish(events.AuthorizationError{Reason: "No token has been provided"})
			s.Disconnect()
			return
		}
		req.Token = s.cfg.Token
	}
	s.send(PacketAppAuthRequest, req)
}

func (s *Session) onAuthResult(p appAuthResult) {
	if p.Result != "success" {
		reason := p.Reason
		if reason == "" {
			reason = "Unknown"
		}
		s.log.Error("authorization with the server has failed", logging.String("reason", reason))
		s.bus.Publish(events.AuthorizationError{Reason: reason})
		return
	}
	s.authorized = true
	s.log.Info("authorization with the server is complete", logging.String("clientIP", p.IPAddress))
	s.bus.Publish(events.AuthorizationComplete{ClientIP: p.IPAddress})
	s.drainPending()
}

func (s *Session) onSubscribeResult(p subscribeResult) {
	if p.StreamKey != s.stream.StreamKey {
		s.log.Warn("subscribe result denied",
			logging.String("configured", s.stream.StreamKey), logging.String("packet", p.StreamKey))
		return
	}
	if s.inFlight == p.StreamKey {
		s.inFlight = ""
	}
	s.lastState = ""
	if p.Status != "success" {
		s.bus.Publish(events.SubscriptionFailed{StreamKey: s.currentKey, Reason: p.Reason})
		switch p.Reason {
		case "Stream not found":
			s.log.Error("stream not found", logging.String("streamKey", p.StreamKey))
			s.bus.Publish(events.StreamNotFound{StreamKey: p.StreamKey})
			s.reportStream(model.StreamNotFound, p.StreamKey)
		case "Not authorized":
			s.log.Error("not authorized for play")
		default:
			s.log.Error("could not get data from the server", logging.String("reason", p.Reason))
		}
		return
	}
	if p.OptParameters != nil {
		s.bus.Publish(events.OptionalStreamData{Data: p.OptParameters})
	}
	s.updateSources(p.StreamList)
	s.updateStreamStatus(p.StreamState, p.StreamKey)
	s.bus.Publish(events.SubscriptionComplete{StreamKey: s.currentKey})
}

func (s *Session) updateSources(list []wireStream) {
	sources := make([]model.SourceItem, 0, len(list))
	for _, w := range list {
		sources = append(sources, w.source())
	}
	s.stream.Sources = sources
	s.bus.Publish(events.SourceListUpdate{Sources: sources})
}

// StatusToStreamState maps a server publish status onto a StreamState.
func StatusToStreamState(status string) (model.StreamState, bool) {
	switch status {
	case "AWAITING":
		return model.StreamAwaiting, true
	case "NOT_PUBLISHED", "UNPUBLISHED":
		return model.StreamNotPublished, true
	case "PUBLISHED":
		return model.StreamPublished, true
	case "CLOSING", "CLOSED":
		return model.StreamClosed, true
	}
	return model.StreamUnknown, false
}

func (s *Session) updateStreamStatus(status, key string) {
	if status == s.lastState {
		return
	}
	s.lastState = status
	st, ok := StatusToStreamState(status)
	if !ok {
		s.log.Debug("unknown stream status", logging.String("status", status))
		return
	}
	s.log.Info("stream status", logging.String("status", status))
	s.reportStream(st, key)
}

func (s *Session) onPlayResult(p playResult) {
	if p.StreamKey != s.stream.StreamKey {
		s.log.Warn("play result denied",
			logging.String("requested", s.stream.StreamKey), logging.String("packet", p.StreamKey))
		return
	}
	if p.Status == "success" {
		switch p.StreamState {
		case "PUBLISHED":
			s.log.Info("playback initialized", logging.String("streamKey", p.StreamKey))
			s.bus.Publish(events.PlaybackInitiate{StreamKey: p.StreamKey})
		case "AWAITING", "NOT_PUBLISHED", "UNPUBLISHED", "INITIALIZED":
			s.log.Info("stream is not ready yet", logging.String("state", p.StreamState))
			s.reportPlayback(model.PlaybackStopped)
			s.reportStream(model.StreamState(p.StreamState), p.StreamKey)
		}
		return
	}
	switch p.Reason {
	case "NOT_FOUND":
		s.bus.Publish(events.StreamNotFound{StreamKey: p.StreamKey})
		s.reportStream(model.StreamNotFound, p.StreamKey)
	case "Incorrect streamKey":
		s.bus.Publish(events.StreamNotFound{StreamKey: p.StreamKey})
	case "Maximum viewers reached":
		s.bus.Publish(events.ViewerLimitReached{StreamKey: p.StreamKey})
	default:
		s.log.Warn("play request failed", logging.String("reason", p.Reason))
	}
}

func (s *Session) reportStream(st model.StreamState, key string) {
	if s.state != nil {
		s.state.SetStreamState(st, key)
	}
}

func (s *Session) reportPlayback(st model.PlaybackState) {
	if s.state != nil {
		s.state.SetPlaybackState(st)
	}
}
