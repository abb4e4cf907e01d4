package config

// Configs holds the named configurations a distributor can be started with.
// Sections left out of a configuration (empty Type) come from "default".
var Configs = map[string]string{
	"default":      defaultConfig,
	"local.memory": localMemory,
	"remote":       remote,
}

// defaultConfig the values used for sections a named configuration leaves out
const defaultConfig = `{
	"Distributor": {
		"Type": "local",
		"HealthCheckInterval": "10s",
		"HealthCheckTimeout": "5s",
		"UnhealthyThreshold": 3,
		"StillDownTimeout": "1m",
		"StatusRetries": 3,
		"RetryRate": 10,
		"PollInterval": "1s"
	},
	"SessionQueue": {
		"Type": "memory",
		"RequestTimeout": "5m",
		"SweepInterval": "10s"
	},
	"Nodes": {
		"Type": "remote",
		"HttpTries": 4
	}
}`

// localMemory runs a handful of in-process nodes that pretend to start browsers.
// Make sure it stays listed in Configs above.
const localMemory = `{
	"Nodes": {
		"Type": "memory",
		"Count": 4,
		"Stereotypes": [
			"browserName=chrome,platformName=linux",
			"browserName=firefox,platformName=linux"
		],
		"HeartbeatPeriod": "5s"
	}
}`

// remote waits for nodes to register themselves with heartbeats.
// Make sure it stays listed in Configs above.
const remote = `{
	"Distributor": {
		"Type": "local",
		"HealthCheckInterval": "30s",
		"HealthCheckTimeout": "10s",
		"UnhealthyThreshold": 3,
		"StillDownTimeout": "5m",
		"StatusRetries": 5,
		"RetryRate": 50,
		"PollInterval": "1s"
	},
	"Nodes": {
		"Type": "remote",
		"HttpTries": 4
	}
}`
