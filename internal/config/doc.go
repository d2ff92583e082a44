// Package config loads stackctl's global settings and the stack file that
// declares the services to orchestrate.
//
// # Settings Layers
//
// Settings are loaded and merged in the following order, later layers
// overriding earlier ones:
//
//  1. Built-in defaults (GetDefaultSettings)
//  2. User settings (~/.config/stackctl/config.yaml)
//  3. Project settings (./.stackctl/config.yaml)
//  4. STACKCTL_* environment variables
//
// # Stack File
//
// The stack file is a compose-like YAML document. Services are declared as a
// mapping and keep their declaration order. Top level keys starting with "x-"
// are ignored so they can hold YAML anchors shared through merge keys:
//
//	name: compute-horde
//	x-common: &common
//	  restart: always
//	  logging:
//	    driver: file
//	    tag: "{{.Stack}}/{{.Name}}/{{.ShortID}}"
//	services:
//	  redis:
//	    <<: *common
//	    image: redis:7-alpine
//	    healthcheck:
//	      redis: {addr: "127.0.0.1:6379"}
//	  app:
//	    <<: *common
//	    image: backend:latest
//	    depends_on: [redis]
//
// Each service is validated once at load time. Dependency references and
// cycles are checked by the dependency package when the graph is built.
package config
