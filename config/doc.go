/*
Package config loads RouteCodex's ambient RuntimeConfig (server, log,
telemetry, gateway data directories) and the CanonicalConfig the core
consumes (providers, credentials, route table, pipeline templates).

# Loading

	cfg, err := config.NewLoader().
		WithConfigPath("routecodex.yaml").
		WithEnvPrefix("ROUTECODEX").
		Load()

Precedence: defaults -> YAML file -> environment variables.

CanonicalConfig is loaded separately via LoadCanonicalConfig, since the
core (internal/configview) only ever consumes an already-built
CanonicalConfig value — the loader itself is explicitly out of the
core's scope.
*/
package config
