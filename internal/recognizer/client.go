// Package recognizer streams dictation from a native speech service over a
// gRPC bidi stream of google.protobuf.Struct messages. The service owns audio
// capture; the client sends one config message and receives results until
// the stream ends.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/caseform/internal/capture"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the health-check and RPC service name.
	ServiceName     = "caseform.speech.v1.Recognizer"
	recognizeMethod = "/" + ServiceName + "/Recognize"

	defaultDialTimeout = 3 * time.Second
	defaultStopGrace   = 2 * time.Second
)

var recognizeDesc = grpc.StreamDesc{
	StreamName:    "Recognize",
	ServerStreams: true,
	ClientStreams: true,
}

// Config controls connection and stream behavior.
type Config struct {
	Endpoint     string
	LanguageCode string
	DialTimeout  time.Duration
	// StopGrace bounds how long a stopped stream may flush final results
	// before it is cancelled.
	StopGrace   time.Duration
	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

// Client implements capture.Recognizer and capture.Probe.
type Client struct {
	cfg    Config
	logger *slog.Logger
	conn   *grpc.ClientConn

	mu      sync.Mutex
	handler capture.RecognizerHandler
	active  *activeStream
}

type activeStream struct {
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	drained chan struct{}
}

// drainedNow is returned by Stop when no stream is open.
var drainedNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// New creates a lazily connecting client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("recognizer endpoint is empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if strings.TrimSpace(cfg.LanguageCode) == "" {
		cfg.LanguageCode = capture.DefaultLanguage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, cfg.DialOptions...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial recognizer grpc %q: %w", endpoint, err)
	}

	return &Client{cfg: cfg, logger: logger, conn: conn, handler: noopHandler{}}, nil
}

// Bind sets the callback target for every stream this client opens.
func (c *Client) Bind(handler capture.RecognizerHandler) {
	if handler == nil {
		handler = noopHandler{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start opens one Recognize stream and sends the session config. A previous
// stream still open is stopped first.
func (c *Client) Start(ctx context.Context) error {
	c.Stop()

	readyCtx, cancelReady := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancelReady()
	c.conn.Connect()
	if err := waitForReady(readyCtx, c.conn); err != nil {
		return capture.NewError(capture.KindNetworkError, fmt.Errorf("wait for recognizer readiness: %w", err))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(streamCtx, &recognizeDesc, recognizeMethod)
	if err != nil {
		cancel()
		return classifyStatus(fmt.Errorf("open recognize stream: %w", err))
	}

	config, err := structpb.NewStruct(map[string]any{
		"language_code":   c.cfg.LanguageCode,
		"interim_results": true,
		"continuous":      true,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("build recognize config: %w", err)
	}
	// io.EOF means the server already closed the stream; recvLoop reports why.
	if err := stream.SendMsg(config); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return classifyStatus(fmt.Errorf("send recognize config: %w", err))
	}

	active := &activeStream{stream: stream, cancel: cancel, drained: make(chan struct{})}
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()

	go c.recvLoop(active)
	return nil
}

// Stop half-closes the current stream so the service can flush final results,
// then cancels it after the grace period. It never waits on the handler; the
// returned channel closes once the stream's last result has been delivered.
func (c *Client) Stop() <-chan struct{} {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active == nil {
		return drainedNow
	}
	_ = active.stream.CloseSend()
	time.AfterFunc(c.cfg.StopGrace, active.cancel)
	return active.drained
}

// Close cancels any stream and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	return c.conn.Close()
}

// recvLoop delivers results for one stream. Once the stream is no longer
// current, only results are forwarded; its errors and end are dropped so a
// stopped session cannot trigger a restart of the next one.
func (c *Client) recvLoop(active *activeStream) {
	defer close(active.drained)
	defer active.cancel()

	for {
		msg := new(structpb.Struct)
		err := active.stream.RecvMsg(msg)
		handler, current := c.current(active)
		if err != nil {
			if !current {
				return
			}
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				c.logger.Debug("recognizer stream failed", "error", err.Error())
				handler.OnError(classifyStatus(err))
			}
			c.clear(active)
			handler.OnEnd()
			return
		}

		fields := msg.GetFields()
		if code := fields["error"].GetStringValue(); code != "" {
			if current {
				handler.OnError(classifyErrorCode(code))
			}
			continue
		}
		text := strings.TrimSpace(fields["transcript"].GetStringValue())
		if text == "" {
			continue
		}
		handler.OnResult(text, fields["is_final"].GetBoolValue())
	}
}

func (c *Client) current(active *activeStream) (capture.RecognizerHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler, c.active == active
}

func (c *Client) clear(active *activeStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == active {
		c.active = nil
	}
}

// classifyStatus maps gRPC status codes onto capture error kinds.
func classifyStatus(err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return capture.NewError(capture.KindPermissionDenied, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return capture.NewError(capture.KindNetworkError, err)
	case codes.Unimplemented:
		return capture.NewError(capture.KindServiceUnavailable, err)
	default:
		return capture.NewError(capture.KindUnknown, err)
	}
}

// classifyErrorCode maps in-band recognizer error codes.
func classifyErrorCode(code string) error {
	err := fmt.Errorf("recognizer error %q", code)
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "not-allowed", "service-not-allowed", "audio-capture":
		return capture.NewError(capture.KindPermissionDenied, err)
	case "no-speech":
		return capture.NewError(capture.KindNoSpeechDetected, err)
	case "network":
		return capture.NewError(capture.KindNetworkError, err)
	default:
		return capture.NewError(capture.KindUnknown, err)
	}
}

type noopHandler struct{}

func (noopHandler) OnResult(string, bool) {}
func (noopHandler) OnError(error)         {}
func (noopHandler) OnEnd()                {}
