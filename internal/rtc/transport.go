// Package rtc owns the peer connection to the realtime backend: the outbound
// microphone track, the inbound voice track and the JSON control channel.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/krishimitra/farmvoice/internal/media"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// EventKind classifies link events.
type EventKind int

const (
	// EventOpen means the control channel is ready for sending.
	EventOpen EventKind = iota
	// EventMessage carries one control channel message.
	EventMessage
	// EventClosed means the control channel or the connection went away.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to the session for everything that happens on the link.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// ExchangeFunc posts the local offer to the signaling endpoint and returns the answer.
type ExchangeFunc func(ctx context.Context, offer string) (string, error)

// ConnectRequest describes one connection attempt.
type ConnectRequest struct {
	Label    string
	Audio    <-chan media.Frame
	OnEvent  func(Event)
	Exchange ExchangeFunc
}

// Link is an established connection.
type Link interface {
	Send(data []byte) error
	Close() error
}

// ErrChannelNotOpen is returned by Send before the control channel opens.
var ErrChannelNotOpen = errors.New("control channel not open")

// Config configures the transport.
type Config struct {
	ICEServers []string
	Player     media.Player
	Logger     *slog.Logger
}

// Transport creates peer connections.
type Transport struct {
	api    *webrtc.API
	cfg    Config
	logger *slog.Logger
}

// New creates a transport with the default media engine (Opus).
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{api: webrtc.NewAPI(), cfg: cfg, logger: logger}
}

// Connect negotiates a connection. It returns once the answer has been applied;
// the control channel opens later and is reported through req.OnEvent.
func (t *Transport) Connect(ctx context.Context, req ConnectRequest) (Link, error) {
	if req.OnEvent == nil || req.Exchange == nil {
		return nil, errors.New("connect: OnEvent and Exchange are required")
	}
	label := req.Label
	if label == "" {
		label = "events"
	}

	var iceServers []webrtc.ICEServer
	if len(t.cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &link{pc: pc, logger: t.logger, done: make(chan struct{}), onEvent: req.OnEvent}
	ok := false
	defer func() {
		if !ok {
			_ = l.Close()
		}
	}()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: media.SampleRate, Channels: media.Channels},
		"audio", "farmvoice",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	go drainRTCP(sender)

	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	l.dc = dc
	dc.OnOpen(l.markOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// pion runs OnOpen on its own goroutine, so the first message can beat it.
		l.markOpen()
		l.emit(Event{Kind: EventMessage, Data: msg.Data})
	})
	dc.OnClose(func() {
		l.emit(Event{Kind: EventClosed, Err: errors.New("control channel closed")})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("Peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			l.emit(Event{Kind: EventClosed, Err: errors.New("peer connection failed")})
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go l.playRemote(remote, t.cfg.Player)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	answer, err := req.Exchange(ctx, pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	if req.Audio != nil {
		go l.pumpAudio(track, req.Audio)
	}
	ok = true
	return l, nil
}

type link struct {
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	logger  *slog.Logger
	onEvent func(Event)

	mu       sync.Mutex
	open     bool
	closed   bool
	done     chan struct{}
	once     sync.Once
	openOnce sync.Once
}

// markOpen reports EventOpen exactly once, before any message is forwarded.
func (l *link) markOpen() {
	l.openOnce.Do(func() {
		l.mu.Lock()
		l.open = true
		l.mu.Unlock()
		l.emit(Event{Kind: EventOpen})
	})
}

// emit forwards an event unless the link was closed locally.
func (l *link) emit(ev Event) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.onEvent(ev)
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	open, closed := l.open, l.closed
	l.mu.Unlock()
	if closed || !open || l.dc == nil {
		return ErrChannelNotOpen
	}
	if err := l.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send on control channel: %w", err)
	}
	return nil
}

// Close closes the channel and the peer connection. Events are no longer delivered afterwards.
func (l *link) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)

		if l.dc != nil {
			if cerr := l.dc.Close(); cerr != nil {
				l.logger.Debug("Closing data channel failed", "error", cerr)
			}
		}
		err = l.pc.Close()
	})
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (l *link) pumpAudio(track *webrtc.TrackLocalStaticSample, frames <-chan media.Frame) {
	for {
		select {
		case <-l.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := track.WriteSample(pionmedia.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
				l.logger.Debug("Writing microphone sample failed", "error", err)
			}
		}
	}
}

func (l *link) playRemote(remote *webrtc.TrackRemote, player media.Player) {
	if player == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	out, err := player.Open(ctx)
	if err != nil {
		l.logger.Warn("Opening audio player failed", "error", err)
		return
	}
	defer func() { _ = out.Close() }()

	ogg, err := oggwriter.NewWith(out, media.SampleRate, media.Channels)
	if err != nil {
		l.logger.Warn("Creating ogg writer failed", "error", err)
		return
	}
	defer func() { _ = ogg.Close() }()

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if err := ogg.WriteRTP(pkt); err != nil {
			l.logger.Debug("Writing remote audio failed", "error", err)
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
