// Copyright (c) localrouter Authors.
// Licensed under the MIT License.

/*
Package main provides the localrouter gateway's executable entry point.

# Overview

cmd/localrouter boots the edge HTTP surface (gateway.Router + LLMRouter +
EmbeddingRouter behind edge.Server), a Prometheus metrics endpoint, and the
database-migration / health-check CLI subcommands. Gateway state (clients,
upstream servers, strategies) loads from the same YAML document as the
ambient server/log/database settings; see config.Loader for the latter and
gateway.MemoryConfigStore.LoadYAML for the former.

# Core types

  - Server      — owns the edge HTTP listener, the Prometheus metrics
    listener, and every collaborator edge.Server composes (upstream
    connection manager, interaction managers, metrics store, access log).

# Subcommands

  - serve    — start the gateway
  - migrate  — apply/roll back the metrics-store schema
  - version  — print build metadata
  - health   — probe a running instance's /health endpoint
*/
package main
