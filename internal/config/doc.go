// Package config loads and validates the strand-gateway YAML configuration.
//
// Configuration files support ${VAR_NAME} environment variable expansion and
// Go duration strings for time-valued fields:
//
//	server:
//	  http_addr: ":8080"
//
//	database:
//	  path: "/var/lib/strand/gateway.db"
//
//	auth:
//	  jwt_secret: "${STRAND_JWT_SECRET}"
//
//	websocket:
//	  max_managers_per_user: 20
//	  connection_timeout: "5m"
//	  reap_interval: "30s"
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
