// Package metrics exposes run counters to Prometheus.
//
// Each Collector owns its registry, so several can coexist in one process
// (tests, or a server and a queue worker). Long-running commands serve it over
// HTTP; the one-shot run command writes it to a node-exporter textfile.
package metrics
