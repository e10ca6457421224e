package spec

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/sv"
)

// Default port range scanned by Discover. SPEC servers bind the first free
// port at or above DefaultFirstPort, one port per server instance.
const (
	DefaultFirstPort = 6510
	DefaultLastPort  = 6530
)

// ConnectionConfig represents the configuration parameters for a SPEC server connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// host specifies the host of the remote SPEC server.
	host string

	// port specifies the TCP port number for the SPEC server connection.
	port int

	// clientName identifies this client to the server. It travels in the
	// name field of the hello message and must fit the header name field.
	// Defaults to "go-certifspec".
	clientName string

	// connectTimeout defines the timeout for establishing the TCP connection.
	// It should be between 0.1 and 30 seconds.
	// Defaults to 3 seconds.
	connectTimeout time.Duration

	// replyTimeout defines how long a request waits for its reply before
	// giving up. It should be between 1 and 600 seconds.
	// Defaults to 45 seconds.
	//
	// Long-running commands hold their reply until completion, so this bound
	// should exceed the longest command the client issues.
	replyTimeout time.Duration

	// errorWindow defines how long a property write waits for an
	// asynchronous error event before it is considered accepted. The server
	// never acknowledges writes positively; the absence of an error within
	// the window is the success signal. It should be between 1 millisecond
	// and 10 seconds.
	// Defaults to 50 milliseconds.
	errorWindow time.Duration

	// probeTimeout defines the per-port timeout used by Discover when
	// scanning the port range for a SPEC server. It should be between
	// 10 milliseconds and 10 seconds.
	// Defaults to 100 milliseconds.
	probeTimeout time.Duration

	// closeConnTimeout defines the timeout for closing the whole connection.
	// It should be between 1 and 30 seconds.
	// Defaults to 3 seconds.
	closeConnTimeout time.Duration

	// verifyWindow defines how long Subscribe waits for the server's initial
	// event after registering a property. The server pushes the current value
	// immediately on registration, so a missing initial event or an error
	// channel event within the window means the property does not exist.
	// A window of zero disables verification.
	// Defaults to 1 second.
	verifyWindow time.Duration

	// consoleCapture controls whether the client registers the output/tty
	// channel on connect and captures console output for Run.
	// Defaults to true.
	consoleCapture bool

	// senderQueueSize defines the size of the sender queue, which buffers
	// messages before writing them to the server.
	//
	// This option allows you to control the backpressure level for unsent messages.
	// A larger queue size can accommodate bursts of messages but might consume more memory.
	//
	// Defaults to 10.
	senderQueueSize int

	// stateHandlers are invoked on every connection state change.
	stateHandlers []ConnStateChangeHandler

	// firstPort and lastPort bound the port range scanned by Discover.
	// Defaults to [6510, 6530].
	firstPort int
	lastPort  int

	// logger provides a logger instance for logging connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a new SPEC server connection configuration with the given host, port number,
// and optional functional options.
//
// It initializes a ConnectionConfig struct with default values and then applies the provided options to
// customize the configuration.
//
// The host parameter specifies the host of the remote SPEC server.
// The port parameter specifies the TCP port number the server listens on.
//
// The opts parameter is a variadic argument that accepts a list of ConnOption functions to customize the
// configuration. See the documentation for ConnOption and the various WithXXX functions for available
// configuration options.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any occurred during the
// configuration process.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		clientName:       "go-certifspec",
		connectTimeout:   3 * time.Second,
		replyTimeout:     45 * time.Second,
		errorWindow:      50 * time.Millisecond,
		probeTimeout:     100 * time.Millisecond,
		closeConnTimeout: 3 * time.Second,
		verifyWindow:     1 * time.Second,
		consoleCapture:   true,
		senderQueueSize:  10,
		firstPort:        DefaultFirstPort,
		lastPort:         DefaultLastPort,
		logger:           logger.GetLogger(),
	}

	if err := withRemoteHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ReplyTimeout returns the configured reply timeout.
func (cfg *ConnectionConfig) ReplyTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.replyTimeout
}

// ErrorWindow returns the configured write error window.
func (cfg *ConnectionConfig) ErrorWindow() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.errorWindow
}

// VerifyWindow returns the configured subscribe verification window. Zero
// means verification is disabled.
func (cfg *ConnectionConfig) VerifyWindow() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.verifyWindow
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

// withRemoteHost sets the host for the SPEC server connection.
// It returns a ConnOption that validates the host and updates the configuration.
// An error is returned if the configuration is nil.
func withRemoteHost(host string) ConnOption {
	return newConnOptFunc("withRemoteHost", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		// Check if it's a valid IP address
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		// If not an IP, check if it's a valid domain name
		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err == nil {
			cfg.host = host
			return nil
		}

		return errors.New("invalid host")
	})
}

// withPort sets the TCP port number for the SPEC server connection.
// It returns a ConnOption that validates the port number and updates the configuration.
// An error is returned if the port number is out of the valid range (1-65535) or if the configuration is nil.
func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if port < 0 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithClientName sets the name this client reports to the server during the
// hello handshake. The server logs it and shows it in client listings.
// An error is returned if the name does not fit the header name field or if
// the configuration is nil.
//
// The default name is "go-certifspec".
//
// This option can't be changed at runtime.
func WithClientName(name string) ConnOption {
	return newConnOptFunc("WithClientName", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if name == "" {
			return errors.New("client name is empty")
		}
		if len(name) >= sv.NameLen {
			return sv.ErrNameTooLong
		}
		cfg.clientName = name

		return nil
	})
}

// WithConnectTimeout sets the timeout for establishing the TCP connection.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (0.1-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
//
// This option can't be changed at runtime.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("connect timeout out of range [0.1, 30]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithReplyTimeout sets the reply timeout for requests that expect a reply.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (1-600 seconds) or if the configuration is nil.
//
// The default value is 45 seconds.
//
// This option can be changed at runtime.
func WithReplyTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithReplyTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Second || val > 600*time.Second {
			return errors.New("reply timeout out of range [1, 600]")
		}
		cfg.replyTimeout = val

		return nil
	})
}

// WithErrorWindow sets how long a property write waits for an asynchronous
// error event before reporting success.
// It returns a ConnOption that validates the window and updates the configuration.
// An error is returned if the window is outside the valid range (0.001-10 seconds) or if the configuration is nil.
//
// The default value is 50 milliseconds.
//
// This option can be changed at runtime.
func WithErrorWindow(val time.Duration) ConnOption {
	return newConnOptFunc("WithErrorWindow", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Millisecond || val > 10*time.Second {
			return errors.New("error window out of range [0.001, 10]")
		}
		cfg.errorWindow = val

		return nil
	})
}

// WithProbeTimeout sets the per-port timeout used by Discover when scanning
// the port range for a SPEC server.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (0.01-10 seconds) or if the configuration is nil.
//
// The default value is 100 milliseconds.
//
// This option can't be changed at runtime.
func WithProbeTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithProbeTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 10*time.Second {
			return errors.New("probe timeout out of range [0.01, 10]")
		}
		cfg.probeTimeout = val

		return nil
	})
}

// WithPortRange sets the port range scanned by Discover.
// It returns a ConnOption that validates the range and updates the configuration.
// An error is returned if the range is invalid or if the configuration is nil.
//
// The default range is [6510, 6530].
//
// This option can't be changed at runtime.
func WithPortRange(first int, last int) ConnOption {
	return newConnOptFunc("WithPortRange", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if first < 1 || first > 65535 || last < 1 || last > 65535 {
			return errors.New("port range out of range [1, 65535]")
		}
		if first > last {
			return errors.New("first port is greater than last port")
		}
		cfg.firstPort = first
		cfg.lastPort = last

		return nil
	})
}

// WithSubscribeVerify sets how long Subscribe waits for the server's initial
// event after registering a property before reporting ErrPropertyNotFound.
// A window of zero disables verification; Subscribe then returns as soon as
// the registration is queued.
// It returns a ConnOption that validates the window and updates the configuration.
// An error is returned if the window is negative, above 30 seconds, or if the configuration is nil.
//
// The default window is 1 second.
//
// This option can be changed at runtime.
func WithSubscribeVerify(window time.Duration) ConnOption {
	return newConnOptFunc("WithSubscribeVerify", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if window < 0 || window > 30*time.Second {
			return errors.New("subscribe verify window out of range [0, 30]")
		}
		cfg.verifyWindow = window

		return nil
	})
}

// WithConsoleCapture enables or disables console output capture.
//
// When enabled (val = true), the client registers the output/tty channel on
// connect and Run returns the console text the command printed.
//
// When disabled (val = false), no console events are requested and Run
// returns an empty console string.
//
// An error is returned if the provided ConnectionConfig is nil.
//
// The default value is true.
//
// This option can't be changed at runtime.
func WithConsoleCapture(val bool) ConnOption {
	return newConnOptFunc("WithConsoleCapture", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.consoleCapture = val

		return nil
	})
}

// WithConnStateHandler adds one or more handlers invoked on every connection
// state change.
// An error is returned if the configuration is nil.
//
// This option can't be changed at runtime.
func WithConnStateHandler(handlers ...ConnStateChangeHandler) ConnOption {
	return newConnOptFunc("WithConnStateHandler", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.stateHandlers = append(cfg.stateHandlers, handlers...)

		return nil
	})
}

// WithCloseConnTimeout sets the timeout for closing the connection.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (1-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithCloseConnTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseConnTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Second || val > 30*time.Second {
			return errors.New("close connection timeout out of range [1, 30]")
		}
		cfg.closeConnTimeout = val

		return nil
	})
}

// WithSenderQueueSize sets the size of the sender queue, which buffers messages before sending them
// to the SPEC server.
//
// This option allows you to control the backpressure level for unsent messages.
// A larger queue size can accommodate bursts of messages but might consume more memory.
//
// The queue size must be within the range of 1 to 1000.
// An error is returned if the queue size is invalid or if the provided ConnectionConfig is nil.
//
// The default value is 10.
//
// This option can't be changed at runtime.
func WithSenderQueueSize(size int) ConnOption {
	return newConnOptFunc("WithSenderQueueSize", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if size < 1 || size > 1000 {
			return errors.New("the sender queue size out of range [1, 1000]")
		}

		cfg.senderQueueSize = size

		return nil
	})
}

// WithLogger sets the logger for the SPEC server connection.
// It returns a ConnOption that updates the configuration with the provided logger.
// An error is returned if the configuration is nil.
//
// The default logger is the global logger instance.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.logger = l

		return nil
	})
}
