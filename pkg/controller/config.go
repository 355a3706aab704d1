/*
 * Copyright 2026 Overmesh, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package controller

import (
	"fmt"
	"time"

	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/session"
	"github.com/overmesh/merang/pkg/tunnel"
)

// Config is the controller service configuration, loaded from JSON.
type Config struct {
	Logging *logger.Config `json:"logging,omitempty"`

	// NATS enables the message transport and event publishing. A nil
	// value selects the transport-less development mode.
	NATS   *models.NATSConfig  `json:"nats,omitempty"`
	Events models.EventsConfig `json:"events"`

	KeepAliveInterval models.Duration `json:"keepalive_interval,omitempty"`
	MaxKeepAliveLost  int             `json:"max_keepalive_lost,omitempty"`

	VXLANPort            int    `json:"vxlan_port,omitempty"`
	MgmtIPv4Pool         string `json:"mgmt_ipv4_pool,omitempty"`
	MgmtIPv6Pool         string `json:"mgmt_ipv6_pool,omitempty"`
	MaxReconcileFailures int    `json:"max_reconcile_failures,omitempty"`

	// AuthTokens maps pre-shared device tokens to tenant identifiers.
	// Empty selects the allow-all development authenticator.
	AuthTokens    map[string]string `json:"auth_tokens,omitempty"`
	DefaultTenant string            `json:"default_tenant,omitempty"`
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = models.Duration(session.DefaultKeepAliveInterval)
	}

	if c.MaxKeepAliveLost <= 0 {
		c.MaxKeepAliveLost = session.DefaultMaxKeepAliveLost
	}

	if c.VXLANPort == 0 {
		c.VXLANPort = tunnel.DefaultVXLANPort
	}

	if c.VXLANPort < 0 || c.VXLANPort > 65535 {
		return fmt.Errorf("vxlan_port %d out of range", c.VXLANPort)
	}

	if c.DefaultTenant == "" {
		c.DefaultTenant = "default"
	}

	if c.NATS != nil {
		if err := c.NATS.Validate(); err != nil {
			return err
		}
	}

	if err := c.Events.Validate(); err != nil {
		return err
	}

	if c.Events.Enabled && c.NATS == nil {
		return fmt.Errorf("event publishing requires a nats configuration")
	}

	return nil
}

// KeepAliveThreshold is the liveness deadline derived from the cadence
// and the allowed number of missed keepalives.
func (c *Config) KeepAliveThreshold() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Duration(c.MaxKeepAliveLost)
}

// ApplyEnv overrides connectivity settings from the process environment,
// which is how container deployments point one image at different NATS
// clusters.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if url, ok := lookup("MERANG_NATS_URL"); ok && url != "" {
		if c.NATS == nil {
			c.NATS = &models.NATSConfig{}
		}

		c.NATS.URL = url
	}

	if level, ok := lookup("MERANG_LOG_LEVEL"); ok && level != "" {
		if c.Logging == nil {
			c.Logging = logger.DefaultConfig()
		}

		c.Logging.Level = level
	}
}
