// Copyright 2022 The Wren Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package micro implements a lightweight microservice layer on top of the
// core client. A service is a named request handler plus a set of discovery
// subjects ($SRV.PING, $SRV.INFO, $SRV.STATS) answered with JSON, so
// operators can enumerate and monitor running instances with plain
// request/reply.
package micro

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/wren-io/wren.go"
)

type (
	// Service exposes the running service handle.
	Service interface {
		// Info returns the service description.
		Info() Info
		// Stats returns the request statistics gathered so far.
		Stats() Stats
		// Reset resets the request statistics.
		Reset()
		// Stop drains the endpoint subscriptions and marks the service
		// stopped.
		Stop() error
		// Stopped informs whether Stop was executed.
		Stopped() bool
	}

	// Handler is a function used as a Handler for a service endpoint.
	Handler interface {
		Handle(Request)
	}

	// HandlerFunc is an adapter to allow the use of ordinary functions as
	// request handlers.
	HandlerFunc func(Request)

	// Config is the configuration of a service.
	Config struct {
		Name        string
		Version     string
		Description string
		Endpoint    Endpoint
	}

	// Endpoint is the request subject and handler of a service.
	Endpoint struct {
		Subject string
		Handler Handler
	}

	// Verb represents a discovery verb.
	Verb int64

	// Info is the basic information about a service type.
	Info struct {
		Type        string `json:"type"`
		Name        string `json:"name"`
		Id          string `json:"id"`
		Description string `json:"description,omitempty"`
		Version     string `json:"version"`
		Subject     string `json:"subject"`
	}

	// Ping is the response for a discovery ping.
	Ping struct {
		Type string `json:"type"`
		Name string `json:"name"`
		Id   string `json:"id"`
	}

	// Stats is the statistics of a service instance.
	Stats struct {
		Type                  string        `json:"type"`
		Name                  string        `json:"name"`
		Id                    string        `json:"id"`
		Version               string        `json:"version"`
		Started               time.Time     `json:"started"`
		NumRequests           int           `json:"num_requests"`
		NumErrors             int           `json:"num_errors"`
		LastError             string        `json:"last_error,omitempty"`
		ProcessingTime        time.Duration `json:"processing_time"`
		AverageProcessingTime time.Duration `json:"average_processing_time"`
	}

	service struct {
		mu sync.Mutex
		Config
		id            string
		nc            *wren.Conn
		reqSub        *wren.Subscription
		verbSubs      []*wren.Subscription
		stats         Stats
		stopped       bool
	}
)

const (
	// PingVerb is for liveness and discovery of service instances.
	PingVerb Verb = iota
	// StatsVerb returns the request statistics of an instance.
	StatsVerb
	// InfoVerb returns the service description of an instance.
	InfoVerb
)

const (
	// APIPrefix is the root of all discovery subjects.
	APIPrefix = "$SRV"

	// QG is the queue group all instances of one service subscribe with, so
	// the server balances requests among them.
	QG = "q"

	InfoResponseType  = "io.wren.micro.v1.info_response"
	PingResponseType  = "io.wren.micro.v1.ping_response"
	StatsResponseType = "io.wren.micro.v1.stats_response"
)

var (
	// ErrConfigValidation is returned for invalid service configurations.
	ErrConfigValidation = fmt.Errorf("micro: validation")

	// ErrVerbNotSupported is returned for an unknown discovery verb.
	ErrVerbNotSupported = fmt.Errorf("micro: unsupported verb")

	nameRegexp    = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)
	versionRegexp = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)
)

func (v Verb) String() string {
	switch v {
	case PingVerb:
		return "PING"
	case StatsVerb:
		return "STATS"
	case InfoVerb:
		return "INFO"
	default:
		return ""
	}
}

// Handle invokes f.
func (f HandlerFunc) Handle(req Request) {
	f(req)
}

// AddService adds a microservice to the connection. Each service instance
// subscribes to the endpoint subject in the shared queue group and answers
// the control verbs for all three scopes: all services, all instances of
// this service, this exact instance.
func AddService(nc *wren.Conn, config Config) (Service, error) {
	if err := config.valid(); err != nil {
		return nil, err
	}
	svc := &service{
		Config: config,
		id:     nuid.Next(),
		nc:     nc,
	}
	svc.stats = Stats{
		Type:    StatsResponseType,
		Name:    config.Name,
		Id:      svc.id,
		Version: config.Version,
		Started: time.Now(),
	}

	var err error
	svc.reqSub, err = nc.QueueSubscribe(config.Endpoint.Subject, QG, func(m *wren.Msg) {
		svc.reqHandler(&request{msg: m})
	})
	if err != nil {
		return nil, err
	}

	for _, verb := range []Verb{PingVerb, StatsVerb, InfoVerb} {
		if err := svc.addVerbHandlers(verb); err != nil {
			svc.Stop()
			return nil, err
		}
	}
	return svc, nil
}

func (c *Config) valid() error {
	if !nameRegexp.MatchString(c.Name) {
		return fmt.Errorf("%w: service name: name should not be empty and should consist of alphanumerical characters, dashes and underscores", ErrConfigValidation)
	}
	if !versionRegexp.MatchString(c.Version) {
		return fmt.Errorf("%w: version: version should not be empty and should follow semantic versioning", ErrConfigValidation)
	}
	if c.Endpoint.Subject == "" || c.Endpoint.Handler == nil {
		return fmt.Errorf("%w: endpoint: subject and handler are required", ErrConfigValidation)
	}
	return nil
}

// ControlSubject returns the subject a verb responder listens on for the
// given scope. Empty name and id narrow the scope: (verb) for all services,
// (verb, name) for all instances of a service, (verb, name, id) for one
// instance.
func ControlSubject(verb Verb, name, id string) (string, error) {
	verbStr := verb.String()
	if verbStr == "" {
		return "", fmt.Errorf("%w: %q", ErrVerbNotSupported, verbStr)
	}
	if name == "" && id != "" {
		return "", fmt.Errorf("%w: id without service name", ErrConfigValidation)
	}
	if name == "" && id == "" {
		return fmt.Sprintf("%s.%s", APIPrefix, verbStr), nil
	}
	if id == "" {
		return fmt.Sprintf("%s.%s.%s", APIPrefix, verbStr, name), nil
	}
	return fmt.Sprintf("%s.%s.%s.%s", APIPrefix, verbStr, name, id), nil
}

func (svc *service) addVerbHandlers(verb Verb) error {
	for _, scope := range []struct{ name, id string }{
		{"", ""},
		{svc.Name, ""},
		{svc.Name, svc.id},
	} {
		subj, err := ControlSubject(verb, scope.name, scope.id)
		if err != nil {
			return err
		}
		sub, err := svc.nc.Subscribe(subj, func(m *wren.Msg) {
			svc.verbHandler(verb, m)
		})
		if err != nil {
			return err
		}
		svc.verbSubs = append(svc.verbSubs, sub)
	}
	return nil
}

func (svc *service) verbHandler(verb Verb, m *wren.Msg) {
	var resp interface{}
	switch verb {
	case PingVerb:
		resp = Ping{Type: PingResponseType, Name: svc.Name, Id: svc.id}
	case InfoVerb:
		resp = svc.Info()
	case StatsVerb:
		resp = svc.Stats()
	default:
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	svc.nc.Publish(m.Reply, b)
}

// reqHandler invokes the endpoint handler and keeps the per instance
// statistics current.
func (svc *service) reqHandler(req *request) {
	start := time.Now()
	svc.Endpoint.Handler.Handle(req)
	elapsed := time.Since(start)

	svc.mu.Lock()
	svc.stats.NumRequests++
	svc.stats.ProcessingTime += elapsed
	avg := int64(svc.stats.ProcessingTime) / int64(svc.stats.NumRequests)
	svc.stats.AverageProcessingTime = time.Duration(avg)
	if req.respondError != nil {
		svc.stats.NumErrors++
		svc.stats.LastError = req.respondError.Error()
	}
	svc.mu.Unlock()
}

// Stop drains the endpoint subscriptions.
func (svc *service) Stop() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.stopped {
		return nil
	}
	if svc.reqSub != nil {
		if err := svc.reqSub.Drain(); err != nil && err != wren.ErrConnectionClosed {
			return fmt.Errorf("micro: draining request subscription: %w", err)
		}
		svc.reqSub = nil
	}
	for _, sub := range svc.verbSubs {
		if err := sub.Drain(); err != nil && err != wren.ErrConnectionClosed {
			return fmt.Errorf("micro: draining %q: %w", sub.Subject, err)
		}
	}
	svc.verbSubs = nil
	svc.stopped = true
	return nil
}

// Stopped informs whether Stop was executed.
func (svc *service) Stopped() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.stopped
}

// Info returns information about the service instance.
func (svc *service) Info() Info {
	return Info{
		Type:        InfoResponseType,
		Name:        svc.Name,
		Id:          svc.id,
		Description: svc.Description,
		Version:     svc.Version,
		Subject:     svc.Endpoint.Subject,
	}
}

// Stats returns a copy of the statistics of the service instance.
func (svc *service) Stats() Stats {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.stats
}

// Reset resets the statistics of the service instance.
func (svc *service) Reset() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.stats = Stats{
		Type:    StatsResponseType,
		Name:    svc.Name,
		Id:      svc.id,
		Version: svc.Version,
		Started: time.Now(),
	}
}
