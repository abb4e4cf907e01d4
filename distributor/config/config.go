// Package config selects and parses the JSON configuration a distributor is
// started with.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/common"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/server"
	"github.com/twitter/grid/sessionqueue"
)

// JSONConfigs is the parsed form of one of Configs, a JSON file or JSON text.
type JSONConfigs struct {
	Distributor  DistributorJSONConfig `json:"Distributor"`
	SessionQueue QueueJSONConfig       `json:"SessionQueue"`
	Nodes        NodesJSONConfig       `json:"Nodes"`
}

func (c JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s", c.Distributor, c.SessionQueue, c.Nodes)
}

type DistributorJSONConfig struct {
	Type                string  `json:"Type"` // local
	RegistrationSecret  string  `json:"RegistrationSecret"`
	HealthCheckInterval string  `json:"HealthCheckInterval"` // default to 10s
	HealthCheckTimeout  string  `json:"HealthCheckTimeout"`  // default to 5s
	UnhealthyThreshold  int     `json:"UnhealthyThreshold"`  // default to 3
	StillDownTimeout    string  `json:"StillDownTimeout"`    // default to 1m
	StatusRetries       int     `json:"StatusRetries"`       // default to 3, negative disables
	RetryRate           float64 `json:"RetryRate"`           // queued requests tried per second
	PollInterval        string  `json:"PollInterval"`        // default to 1s
}

func (c DistributorJSONConfig) String() string {
	secret := ""
	if c.RegistrationSecret != "" {
		secret = "<redacted>"
	}
	return fmt.Sprintf("DistributorJSONConfig: Type: %s, RegistrationSecret: %s, HealthCheckInterval: %s, "+
		"HealthCheckTimeout: %s, UnhealthyThreshold: %d, StillDownTimeout: %s, StatusRetries: %d, "+
		"RetryRate: %g, PollInterval: %s",
		c.Type, secret, c.HealthCheckInterval, c.HealthCheckTimeout, c.UnhealthyThreshold,
		c.StillDownTimeout, c.StatusRetries, c.RetryRate, c.PollInterval)
}

type QueueJSONConfig struct {
	Type           string `json:"Type"`           // memory
	RequestTimeout string `json:"RequestTimeout"` // default to 5m
	SweepInterval  string `json:"SweepInterval"`  // default to 10s
}

func (c QueueJSONConfig) String() string {
	return fmt.Sprintf("QueueJSONConfig: Type: %s, RequestTimeout: %s, SweepInterval: %s",
		c.Type, c.RequestTimeout, c.SweepInterval)
}

// NodesJSONConfig describes where nodes come from. "memory" starts Count
// in-process nodes with one slot per entry of Stereotypes; "remote" waits for
// nodes to heartbeat and talks to them over HTTP.
type NodesJSONConfig struct {
	Type            string   `json:"Type"`            // memory, remote
	Count           int      `json:"Count"`           // memory only
	Stereotypes     []string `json:"Stereotypes"`     // memory only, "k1=v1,k2=v2" per slot
	MaxSessionCount int      `json:"MaxSessionCount"` // memory only, default to one per slot
	HeartbeatPeriod string   `json:"HeartbeatPeriod"` // memory only, empty disables
	HttpTries       int      `json:"HttpTries"`       // remote only
}

func (c NodesJSONConfig) String() string {
	return fmt.Sprintf("NodesJSONConfig: Type: %s, Count: %d, Stereotypes: %v, MaxSessionCount: %d, "+
		"HeartbeatPeriod: %s, HttpTries: %d",
		c.Type, c.Count, c.Stereotypes, c.MaxSessionCount, c.HeartbeatPeriod, c.HttpTries)
}

// GetConfigText resolves a selector to JSON. A selector is the name of one of
// Configs, inline JSON text, or the path of a JSON file.
func GetConfigText(configSelector string) ([]byte, error) {
	if configText, ok := Configs[configSelector]; ok {
		return []byte(configText), nil
	}
	if strings.HasPrefix(strings.TrimSpace(configSelector), "{") {
		return []byte(configSelector), nil
	}
	if configText, err := os.ReadFile(configSelector); err == nil {
		return configText, nil
	}
	keys := make([]string, 0, len(Configs))
	for k := range Configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return nil, fmt.Errorf("invalid configuration %s, supported values are %v, JSON text or a JSON file", configSelector, keys)
}

// GetConfigs parses the selected configuration, taking every section whose
// Type is "" from the default configuration.
func GetConfigs(configSelector string) (*JSONConfigs, error) {
	defaultConfig := &JSONConfigs{}
	if err := json.Unmarshal([]byte(Configs["default"]), defaultConfig); err != nil {
		return nil, errors.Wrap(err, "couldn't parse the default config")
	}

	configText, err := GetConfigText(configSelector)
	if err != nil {
		return nil, err
	}
	configs := &JSONConfigs{}
	if err := json.Unmarshal(configText, configs); err != nil {
		return nil, errors.Wrap(err, "couldn't parse top-level config")
	}

	if configs.Distributor.Type == "" {
		log.Infof("using default Distributor config")
		configs.Distributor = defaultConfig.Distributor
	}
	if configs.SessionQueue.Type == "" {
		log.Infof("using default SessionQueue config")
		configs.SessionQueue = defaultConfig.SessionQueue
	}
	if configs.Nodes.Type == "" {
		log.Infof("using default Nodes config")
		configs.Nodes = defaultConfig.Nodes
	}
	return configs, nil
}

func (c *DistributorJSONConfig) CreateDistributorConfig() (*server.DistributorConfiguration, error) {
	if c.Type != "local" {
		return nil, errors.Errorf("unsupported distributor type: %s", c.Type)
	}
	config := &server.DistributorConfiguration{
		RegistrationSecret: c.RegistrationSecret,
		UnhealthyThreshold: c.UnhealthyThreshold,
		StatusRetries:      c.StatusRetries,
	}
	var err error
	if config.HealthCheckInterval, err = parseDuration("HealthCheckInterval", c.HealthCheckInterval); err != nil {
		return nil, err
	}
	if config.HealthCheckTimeout, err = parseDuration("HealthCheckTimeout", c.HealthCheckTimeout); err != nil {
		return nil, err
	}
	if config.StillDownTimeout, err = parseDuration("StillDownTimeout", c.StillDownTimeout); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *DistributorJSONConfig) CreateRunnerConfig() (*server.RunnerConfiguration, error) {
	if c.RetryRate < 0 {
		return nil, errors.Errorf("RetryRate must not be negative: %g", c.RetryRate)
	}
	interval, err := parseDuration("PollInterval", c.PollInterval)
	if err != nil {
		return nil, err
	}
	return &server.RunnerConfiguration{RetryRate: c.RetryRate, PollInterval: interval}, nil
}

func (c *QueueJSONConfig) CreateQueueConfig() (*sessionqueue.QueueConfiguration, error) {
	if c.Type != "memory" {
		return nil, errors.Errorf("unsupported session queue type: %s", c.Type)
	}
	config := &sessionqueue.QueueConfiguration{}
	var err error
	if config.RequestTimeout, err = parseDuration("RequestTimeout", c.RequestTimeout); err != nil {
		return nil, err
	}
	if config.SweepInterval, err = parseDuration("SweepInterval", c.SweepInterval); err != nil {
		return nil, err
	}
	return config, nil
}

// ParseStereotypes turns "k1=v1,k2=v2" entries into one stereotype per entry.
func (c *NodesJSONConfig) ParseStereotypes() ([]domain.Capabilities, error) {
	stereotypes := make([]domain.Capabilities, 0, len(c.Stereotypes))
	for _, s := range c.Stereotypes {
		pairs := common.SplitCommaSepToMap(s)
		if len(pairs) == 0 {
			return nil, errors.Errorf("stereotype %q has no capabilities", s)
		}
		caps := domain.Capabilities{}
		for k, v := range pairs {
			caps[k] = v
		}
		stereotypes = append(stereotypes, caps)
	}
	return stereotypes, nil
}

func (c *NodesJSONConfig) ParseHeartbeatPeriod() (time.Duration, error) {
	return parseDuration("HeartbeatPeriod", c.HeartbeatPeriod)
}

// parseDuration leaves "" as zero so that the server side defaults apply.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative: %s", field, value)
	}
	return d, nil
}
