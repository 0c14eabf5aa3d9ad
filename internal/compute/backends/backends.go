// Package backends registers every built-in compute backend.
package backends

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/compute/docker"
	"cloudproc/internal/compute/localhost"
	"cloudproc/internal/compute/redisqueue"
)

// Registry returns a registry holding the built-in backends.
func Registry() *compute.Registry {
	r := compute.NewRegistry()
	r.Register(localhost.Name, localhost.Open)
	r.Register(docker.Name, docker.Open)
	r.Register(redisqueue.Name, redisqueue.Open)
	return r
}
