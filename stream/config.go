package stream

import "time"

// NewHubConfigFromRelay builds a HubConfig from relay.* settings,
// copying the values as given; zero values are replaced with the
// package defaults when each Stream is created (StreamConfig.withDefaults).
func NewHubConfigFromRelay(workerQueueCapacity, maxConnections, dropThreshold int, idleGrace time.Duration) HubConfig {
	return HubConfig{
		StreamConfig: StreamConfig{
			IdleGrace:     idleGrace,
			DropThreshold: dropThreshold,
			QueueCapacity: workerQueueCapacity,
		},
		MaxConnections: maxConnections,
	}
}
