// Package config loads the server's configuration.
//
// The main file is key = value lines. Operators live in a separate YAML file
// with bcrypt password hashes.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/horgh/catbox/internal/mask"
	kvconfig "github.com/horgh/config"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config holds a server's configuration.
type Config struct {
	ListenHost  string
	ListenPort  string
	ServerName  string
	ServerInfo  string
	Version     string
	CreatedDate string
	MOTD        string

	MaxNickLength int

	// Period of time to wait before waking server up (maximum).
	WakeupTime time.Duration

	// Period of time a client can be idle before we send it a PING.
	PingTime time.Duration

	// Period of time a client can be idle before we consider it dead.
	DeadTime time.Duration

	// Path to the operators file.
	OpersConfig string

	// Oper name to its definition.
	Opers map[string]Oper

	// Clients must send this with PASS to register. Blank means none needed.
	ServerPassword string

	// Serve TLS when both are set.
	TLSCert string
	TLSKey  string

	// Messages per second a client may send, and the burst above that.
	FloodRate  float64
	FloodBurst int

	EventWorkers     int
	EventQueueDepth  int
	QueueParallelism int
	QueueDepth       int
}

// Oper is an operator definition.
type Oper struct {
	Name string `yaml:"name"`

	// bcrypt hash of the password.
	Password string `yaml:"password"`

	// user@host masks the oper may log in from. Empty means anywhere.
	Hosts []string `yaml:"hosts"`
}

type opersFile struct {
	Opers []Oper `yaml:"opers"`
}

var requiredKeys = []string{
	"listen-host",
	"listen-port",
	"server-name",
	"server-info",
	"version",
	"created-date",
	"motd",
	"max-nick-length",
	"wakeup-time",
	"ping-time",
	"dead-time",
	"opers-config",
}

// Load reads and checks the configuration file, and the operators file it
// names.
func Load(file string) (*Config, error) {
	configMap, err := kvconfig.ReadStringMap(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config")
	}

	// Check each key we want is present and non-blank.
	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists {
			return nil, errors.Errorf("missing required key: %s", key)
		}

		if len(v) == 0 {
			return nil, errors.Errorf("configuration value is blank: %s", key)
		}
	}

	c := &Config{
		ListenHost:     configMap["listen-host"],
		ListenPort:     configMap["listen-port"],
		ServerName:     configMap["server-name"],
		ServerInfo:     configMap["server-info"],
		Version:        configMap["version"],
		CreatedDate:    configMap["created-date"],
		MOTD:           configMap["motd"],
		OpersConfig:    configMap["opers-config"],
		ServerPassword: configMap["server-password"],
		TLSCert:        configMap["tls-cert"],
		TLSKey:         configMap["tls-key"],
	}

	nickLen64, err := strconv.ParseInt(configMap["max-nick-length"], 10, 8)
	if err != nil {
		return nil, errors.Wrap(err, "max nick length is not valid")
	}
	if nickLen64 <= 0 {
		return nil, errors.New("max nick length must be positive")
	}
	c.MaxNickLength = int(nickLen64)

	c.WakeupTime, err = time.ParseDuration(configMap["wakeup-time"])
	if err != nil {
		return nil, errors.Wrap(err, "wakeup time is in invalid format")
	}

	c.PingTime, err = time.ParseDuration(configMap["ping-time"])
	if err != nil {
		return nil, errors.Wrap(err, "ping time is in invalid format")
	}

	c.DeadTime, err = time.ParseDuration(configMap["dead-time"])
	if err != nil {
		return nil, errors.Wrap(err, "dead time is in invalid format")
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return nil, errors.New("tls-cert and tls-key must be set together")
	}

	c.FloodRate, err = optionalFloat(configMap, "flood-rate", 5)
	if err != nil {
		return nil, err
	}
	if c.FloodBurst, err = optionalInt(configMap, "flood-burst", 20); err != nil {
		return nil, err
	}
	if c.EventWorkers, err = optionalInt(configMap, "event-workers", 4); err != nil {
		return nil, err
	}
	if c.EventQueueDepth, err = optionalInt(configMap, "event-queue-depth",
		1024); err != nil {
		return nil, err
	}
	if c.QueueParallelism, err = optionalInt(configMap, "queue-parallelism",
		1); err != nil {
		return nil, err
	}
	if c.QueueDepth, err = optionalInt(configMap, "queue-depth", 256); err != nil {
		return nil, err
	}

	c.Opers, err = LoadOpers(c.OpersConfig)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func optionalInt(configMap map[string]string, key string,
	def int) (int, error) {
	v, ok := configMap[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s is not valid", key)
	}
	if n <= 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return n, nil
}

func optionalFloat(configMap map[string]string, key string,
	def float64) (float64, error) {
	v, ok := configMap[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s is not valid", key)
	}
	if f <= 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return f, nil
}

// LoadOpers reads an operators file.
func LoadOpers(file string) (map[string]Oper, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load opers config")
	}

	var f opersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "unable to parse opers config")
	}

	opers := make(map[string]Oper, len(f.Opers))
	for _, o := range f.Opers {
		if o.Name == "" || o.Password == "" {
			return nil, errors.New("oper needs a name and password")
		}
		if _, err := bcrypt.Cost([]byte(o.Password)); err != nil {
			return nil, errors.Wrapf(err, "oper %s: password is not a bcrypt hash",
				o.Name)
		}
		if _, exists := opers[o.Name]; exists {
			return nil, errors.Errorf("oper %s is defined twice", o.Name)
		}
		opers[o.Name] = o
	}

	return opers, nil
}

// Authenticate checks an OPER attempt. userHost is the client's user@host.
func (c *Config) Authenticate(name, password, userHost string) (Oper, bool) {
	o, ok := c.Opers[name]
	if !ok {
		return Oper{}, false
	}

	if len(o.Hosts) > 0 {
		allowed := false
		for _, h := range o.Hosts {
			if mask.Match(h, userHost) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Oper{}, false
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(o.Password),
		[]byte(password)); err != nil {
		return Oper{}, false
	}

	return o, true
}

// TLS reports whether the listener should serve TLS.
func (c *Config) TLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenHost, c.ListenPort)
}
