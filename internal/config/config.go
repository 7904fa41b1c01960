package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that decodes from strings such as "250ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete node configuration.
type Config struct {
	Node       Node       `toml:"node" yaml:"node" json:"node"`
	NATS       NATS       `toml:"nats" yaml:"nats" json:"nats"`
	Query      Query      `toml:"query" yaml:"query" json:"query"`
	Queryable  Queryable  `toml:"queryable" yaml:"queryable" json:"queryable"`
	Subscriber Subscriber `toml:"subscriber" yaml:"subscriber" json:"subscriber"`
	Retry      Retry      `toml:"retry" yaml:"retry" json:"retry"`
	Logging    Logging    `toml:"logging" yaml:"logging" json:"logging"`
	Admin      Admin      `toml:"admin" yaml:"admin" json:"admin"`
	Client     Client     `toml:"client" yaml:"client" json:"client"`
	Sensor     Sensor     `toml:"sensor" yaml:"sensor" json:"sensor"`
	Scripts    []Script   `toml:"scripts" yaml:"scripts" json:"scripts"`
}

// Node selects the substrate and identifies the node.
type Node struct {
	Name string `toml:"name" yaml:"name" json:"name"`

	// Mode is "peer" or "client".
	Mode string `toml:"mode" yaml:"mode" json:"mode"`

	// Transport is "local" or "nats".
	Transport string `toml:"transport" yaml:"transport" json:"transport"`

	// Connect lists endpoints to dial. For nats these are server URLs.
	Connect []string `toml:"connect" yaml:"connect" json:"connect"`

	// Listen lists endpoints to accept on. Substrates that cannot listen ignore it.
	Listen []string `toml:"listen" yaml:"listen" json:"listen"`
}

// NATS configures the NATS substrate.
type NATS struct {
	// URL is used when node.connect is empty.
	URL             string   `toml:"url" yaml:"url" json:"url"`
	SubjectPrefix   string   `toml:"subject_prefix" yaml:"subject_prefix" json:"subject_prefix"`
	ReconnectWait   Duration `toml:"reconnect_wait" yaml:"reconnect_wait" json:"reconnect_wait"`
	MaxReconnects   int      `toml:"max_reconnects" yaml:"max_reconnects" json:"max_reconnects"`
	DiscoveryWindow Duration `toml:"discovery_window" yaml:"discovery_window" json:"discovery_window"`
}

// Query configures Get.
type Query struct {
	// Timeout bounds every reply stream.
	Timeout Duration `toml:"timeout" yaml:"timeout" json:"timeout"`

	// LateWindow bounds how long late replies are still handed to a callback.
	LateWindow Duration `toml:"late_window" yaml:"late_window" json:"late_window"`
}

// Queryable configures service loops.
type Queryable struct {
	MaxInFlight    int      `toml:"max_in_flight" yaml:"max_in_flight" json:"max_in_flight"`
	Queue          int      `toml:"queue" yaml:"queue" json:"queue"`
	HandlerTimeout Duration `toml:"handler_timeout" yaml:"handler_timeout" json:"handler_timeout"`
}

// Subscriber configures subscriber channels.
type Subscriber struct {
	Buffer int `toml:"buffer" yaml:"buffer" json:"buffer"`

	// Overflow is "block" or "drop".
	Overflow string `toml:"overflow" yaml:"overflow" json:"overflow"`
}

// Retry configures backoff when opening the substrate.
type Retry struct {
	Attempts   int      `toml:"attempts" yaml:"attempts" json:"attempts"`
	Initial    Duration `toml:"initial" yaml:"initial" json:"initial"`
	Max        Duration `toml:"max" yaml:"max" json:"max"`
	Multiplier float64  `toml:"multiplier" yaml:"multiplier" json:"multiplier"`
	Jitter     bool     `toml:"jitter" yaml:"jitter" json:"jitter"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `toml:"level" yaml:"level" json:"level"`

	// Format is "console" or "json".
	Format  string `toml:"format" yaml:"format" json:"format"`
	NoColor bool   `toml:"no_color" yaml:"no_color" json:"no_color"`
}

// Admin configures the HTTP admin surface.
type Admin struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	Addr        string   `toml:"addr" yaml:"addr" json:"addr"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins" json:"cors_origins"`
}

// Client configures the polling client.
type Client struct {
	StartupDelay Duration `toml:"startup_delay" yaml:"startup_delay" json:"startup_delay"`
	Interval     Duration `toml:"interval" yaml:"interval" json:"interval"`
	Greeting     string   `toml:"greeting" yaml:"greeting" json:"greeting"`
	Base         int64    `toml:"base" yaml:"base" json:"base"`
	EchoKey      string   `toml:"echo_key" yaml:"echo_key" json:"echo_key"`
	ConvertKey   string   `toml:"convert_key" yaml:"convert_key" json:"convert_key"`
}

// Sensor configures the sensor publisher and monitor.
type Sensor struct {
	Key      string   `toml:"key" yaml:"key" json:"key"`
	Pattern  string   `toml:"pattern" yaml:"pattern" json:"pattern"`
	Start    float64  `toml:"start" yaml:"start" json:"start"`
	Step     float64  `toml:"step" yaml:"step" json:"step"`
	Interval Duration `toml:"interval" yaml:"interval" json:"interval"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format" json:"format"`
}

// Script binds a Lua script to a queryable key pattern.
type Script struct {
	Key  string `toml:"key" yaml:"key" json:"key"`
	File string `toml:"file" yaml:"file" json:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: Node{
			Name:      "keymesh",
			Mode:      "peer",
			Transport: "local",
		},
		NATS: NATS{
			URL:             "nats://127.0.0.1:4222",
			SubjectPrefix:   "km",
			ReconnectWait:   Duration(2 * time.Second),
			MaxReconnects:   60,
			DiscoveryWindow: Duration(100 * time.Millisecond),
		},
		Query: Query{
			Timeout:    Duration(10 * time.Second),
			LateWindow: Duration(5 * time.Second),
		},
		Queryable: Queryable{
			MaxInFlight: 64,
			Queue:       256,
		},
		Subscriber: Subscriber{
			Buffer:   256,
			Overflow: "block",
		},
		Retry: Retry{
			Attempts:   5,
			Initial:    Duration(200 * time.Millisecond),
			Max:        Duration(5 * time.Second),
			Multiplier: 2.0,
			Jitter:     true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Admin: Admin{
			Addr: "127.0.0.1:7447",
		},
		Client: Client{
			StartupDelay: Duration(5 * time.Second),
			Interval:     Duration(3 * time.Second),
			Greeting:     "Hello Mesh!",
			Base:         42,
			EchoKey:      "service/echo",
			ConvertKey:   "service/convert",
		},
		Sensor: Sensor{
			Key:      "sensor/temperature",
			Pattern:  "sensor/**",
			Start:    25.0,
			Step:     0.1,
			Interval: Duration(2 * time.Second),
			Format:   "text",
		},
	}
}

// NATSURLs returns the servers to dial: node.connect, or nats.url when empty.
func (c *Config) NATSURLs() []string {
	if len(c.Node.Connect) > 0 {
		return c.Node.Connect
	}
	return []string{c.NATS.URL}
}
