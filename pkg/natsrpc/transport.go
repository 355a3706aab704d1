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

// Package natsrpc exposes the controller's RPC surface over NATS
// request/reply with JSON payloads. Devices (or the edge gateway acting
// for them) publish requests to the merang.v1.* subjects and await the
// reply on their inbox.
package natsrpc

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/overmesh/merang/pkg/controller"
	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
)

const (
	SubjectRegister   = "merang.v1.register"
	SubjectUpdate     = "merang.v1.update"
	SubjectUnregister = "merang.v1.unregister"
	SubjectKeepAlive  = "merang.v1.keepalive"
	SubjectReconcile  = "merang.v1.reconcile"

	// HeaderTimeoutMS carries the caller's remaining deadline budget in
	// milliseconds; absent or malformed values fall back to the default.
	HeaderTimeoutMS = "Timeout-Ms"

	defaultHandlerTimeout = 10 * time.Second
	maxHandlerTimeout     = time.Minute

	// queueGroup spreads requests across controller replicas.
	queueGroup = "merang-controller"
)

// Transport binds the controller server to NATS subjects.
type Transport struct {
	nc     *nats.Conn
	server *controller.Server
	log    logger.Logger
	subs   []*nats.Subscription
}

// NewTransport builds an unstarted transport.
func NewTransport(nc *nats.Conn, server *controller.Server, log logger.Logger) *Transport {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Transport{
		nc:     nc,
		server: server,
		log:    log,
	}
}

// Start subscribes to every RPC subject. Each request is served on its
// own goroutine so one slow provisioning call cannot stall the
// subscription's delivery loop.
func (t *Transport) Start() error {
	for _, subject := range []string{
		SubjectRegister,
		SubjectUpdate,
		SubjectUnregister,
		SubjectKeepAlive,
		SubjectReconcile,
	} {
		sub, err := t.nc.QueueSubscribe(subject, queueGroup, t.handleMsg)
		if err != nil {
			t.stopSubscriptions()

			return err
		}

		t.subs = append(t.subs, sub)
	}

	t.log.Info().Int("subjects", len(t.subs)).Msg("NATS RPC transport started")

	return nil
}

// Stop drains the subscriptions, letting in-flight handlers finish.
func (t *Transport) Stop() error {
	var firstErr error

	for _, sub := range t.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.subs = nil

	return firstErr
}

func (t *Transport) stopSubscriptions() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}

	t.subs = nil
}

func (t *Transport) handleMsg(msg *nats.Msg) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeoutFromHeader(msg.Header))
		defer cancel()

		reply := t.dispatch(ctx, msg.Subject, msg.Data)

		if msg.Reply == "" {
			return
		}

		if err := msg.Respond(reply); err != nil {
			t.log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to send RPC reply")
		}
	}()
}

// dispatch decodes one request, invokes the matching handler and encodes
// the reply. It always produces a reply payload; decode failures answer
// with a bad-request status rather than silence.
func (t *Transport) dispatch(ctx context.Context, subject string, data []byte) []byte {
	switch subject {
	case SubjectRegister, SubjectUpdate:
		var req models.RegisterRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return t.encode(subject, &models.RegisterReply{Status: models.StatusBadRequest})
		}

		return t.encode(subject, t.server.RegisterDevice(ctx, &req))

	case SubjectKeepAlive:
		var req models.KeepAliveRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return t.encode(subject, &models.KeepAliveReply{Status: models.StatusBadRequest})
		}

		return t.encode(subject, t.server.KeepAlive(ctx, &req))

	case SubjectUnregister:
		var req models.UnregisterRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return t.encode(subject, &models.UnregisterReply{Status: models.StatusBadRequest})
		}

		return t.encode(subject, t.server.UnregisterDevice(ctx, &req))

	case SubjectReconcile:
		var req models.ReconcileRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return t.encode(subject, &models.ReconcileReply{Status: models.StatusBadRequest})
		}

		return t.encode(subject, t.server.ExecReconciliation(ctx, &req))

	default:
		t.log.Warn().Str("subject", subject).Msg("Request on unbound subject")

		return nil
	}
}

func (t *Transport) encode(subject string, reply any) []byte {
	payload, err := json.Marshal(reply)
	if err != nil {
		t.log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal RPC reply")

		return nil
	}

	return payload
}

// timeoutFromHeader reads the caller's deadline budget, clamped to a
// sane range.
func timeoutFromHeader(header nats.Header) time.Duration {
	raw := header.Get(HeaderTimeoutMS)
	if raw == "" {
		return defaultHandlerTimeout
	}

	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return defaultHandlerTimeout
	}

	timeout := time.Duration(ms) * time.Millisecond
	if timeout > maxHandlerTimeout {
		return maxHandlerTimeout
	}

	return timeout
}
