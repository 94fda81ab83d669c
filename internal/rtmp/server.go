package rtmp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"rapidrec/internal/amf0"
	"rapidrec/internal/flv"
	"rapidrec/internal/metrics"
)

// Recorder records a pushed FLV byte stream under a name
type Recorder interface {
	Record(ctx context.Context, name, remote string, r io.ReadCloser) error
}

// TokenChecker validates publish tokens
type TokenChecker interface {
	Consume(token, name string) error
}

var errPublishEnded = errors.New("publish ended")

// Server represents the RTMP ingest server
type Server struct {
	addr         string
	recorder     Recorder
	tokens       TokenChecker
	requireToken bool
	metrics      *metrics.Metrics
	log          *logrus.Entry

	server *rtmp.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new RTMP server. tokens may be nil when requireToken is false.
func New(addr string, recorder Recorder, tokens TokenChecker, requireToken bool, m *metrics.Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:         addr,
		recorder:     recorder,
		tokens:       tokens,
		requireToken: requireToken,
		metrics:      m,
		log:          log.WithField("component", "rtmp"),
		ctx:          ctx,
		cancel:       cancel,
	}

	// Create RTMP server with handler
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})

	return s
}

// ListenAndServe starts the RTMP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener
func (s *Server) Serve(listener net.Listener) error {
	s.log.WithField("addr", listener.Addr().String()).Info("RTMP server listening")
	return s.server.Serve(listener)
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	s.metrics.RecordRTMPConnection()

	handler := &ConnHandler{
		server: s,
		remote: conn.RemoteAddr().String(),
		log:    s.log.WithField("remote", conn.RemoteAddr().String()),
	}

	return conn, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},
	}
}

// Close stops accepting connections and ends running publishes
func (s *Server) Close() error {
	s.cancel()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ConnHandler turns one publishing connection into an FLV byte stream
type ConnHandler struct {
	rtmp.DefaultHandler

	server *Server
	remote string
	log    *logrus.Entry

	mu     sync.Mutex
	name   string
	pw     *io.PipeWriter
	header bool
	buf    []byte
	done   chan struct{}
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.log.WithFields(logrus.Fields{
		"app":   cmd.Command.App,
		"tcUrl": cmd.Command.TCURL,
	}).Debug("RTMP connect")
	return nil
}

// OnPlay rejects playback, this server only records
func (h *ConnHandler) OnPlay(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPlay) error {
	return errors.New("play is not supported")
}

// OnPublish starts a recording for the publishing name
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	name, token := parseStreamKeyAndToken(cmd.PublishingName)
	if name == "" {
		return errors.New("empty publishing name")
	}
	log := h.log.WithField("recording", name)

	if token != "" && h.server.tokens != nil {
		if err := h.server.tokens.Consume(token, name); err != nil {
			log.WithError(err).Warn("Token validation failed")
			return errors.Wrap(err, "authentication failed")
		}
	} else if h.server.requireToken {
		log.Warn("Publish without token rejected")
		return errors.New("authentication failed: token required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pw != nil {
		return errors.New("already publishing")
	}

	pr, pw := io.Pipe()
	h.name = name
	h.pw = pw
	h.done = make(chan struct{})
	h.log = log

	go func(done chan struct{}) {
		defer close(done)
		err := h.server.recorder.Record(h.server.ctx, name, h.remote, pr)
		if err != nil {
			log.WithError(err).Error("Recording failed")
			h.server.metrics.RecordRTMPError()
		}
		pr.CloseWithError(errPublishEnded)
	}(h.done)

	log.Info("Publish started")
	return nil
}

// OnSetDataFrame forwards @setDataFrame metadata as a script tag
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pw == nil {
		return nil
	}
	if !h.header {
		if err := h.writeHeader(flagsFromMetadata(data.Payload)); err != nil {
			return err
		}
	}
	return h.writeTag(flv.TagTypeScript, 0, data.Payload)
}

// OnAudio is called when audio data is received
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	return h.media(flv.TagTypeAudio, timestamp, payload)
}

// OnVideo is called when video data is received
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	return h.media(flv.TagTypeVideo, timestamp, payload)
}

func (h *ConnHandler) media(typ flv.TagType, timestamp uint32, payload io.Reader) error {
	body, err := io.ReadAll(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pw == nil {
		return nil // Ignore media before publish
	}
	if !h.header {
		if err := h.writeHeader(flv.FlagAudio | flv.FlagVideo); err != nil {
			return err
		}
	}
	h.server.metrics.RecordRTMPBytes(len(body))
	return h.writeTag(typ, timestamp, body)
}

func (h *ConnHandler) writeHeader(flags flv.HeaderFlags) error {
	h.header = true
	b := flv.NewHeader(flags.HasAudio(), flags.HasVideo()).Bytes()
	_, err := h.pw.Write(append(b, 0, 0, 0, 0))
	return err
}

func (h *ConnHandler) writeTag(typ flv.TagType, timestamp uint32, body []byte) error {
	h.buf = flv.AppendRawTag(h.buf[:0], typ, timestamp, body)
	_, err := h.pw.Write(h.buf)
	return err
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	h.server.metrics.RecordRTMPDisconnect()

	h.mu.Lock()
	pw, done := h.pw, h.done
	h.pw = nil
	h.mu.Unlock()

	if pw == nil {
		return
	}
	pw.Close()
	<-done
	h.log.Info("Publish ended")
}

// flagsFromMetadata announces the tracks listed in onMetaData. Metadata
// naming neither track announces both.
func flagsFromMetadata(payload []byte) flv.HeaderFlags {
	values, err := amf0.DecodeAll(payload)
	if err != nil && len(values) == 0 {
		return flv.FlagAudio | flv.FlagVideo
	}

	var props []amf0.Property
	for _, v := range values {
		switch v := v.(type) {
		case amf0.ECMAArray:
			props = v
		case amf0.Object:
			props = v
		}
	}

	var flags flv.HeaderFlags
	for _, p := range props {
		switch p.Key {
		case "videocodecid", "width", "height", "framerate":
			flags |= flv.FlagVideo
		case "audiocodecid", "audiosamplerate", "stereo":
			flags |= flv.FlagAudio
		}
	}
	if flags == 0 {
		return flv.FlagAudio | flv.FlagVideo
	}
	return flags
}

// parseStreamKeyAndToken splits "name?token=xxx"
func parseStreamKeyAndToken(publishingName string) (name, token string) {
	name, query, found := strings.Cut(publishingName, "?")
	if !found {
		return name, ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return name, ""
	}
	return name, values.Get("token")
}
