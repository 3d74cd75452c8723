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

package micro

import (
	"encoding/json"
	"fmt"

	"github.com/wren-io/wren.go"
)

type (
	// Request represents a request received by a service endpoint.
	Request interface {
		// Respond sends the response for the request.
		Respond([]byte) error
		// RespondJSON marshals the given response value and responds.
		RespondJSON(interface{}) error
		// Error responds with a service error envelope.
		Error(code, description string, data []byte) error
		// Data returns the request payload.
		Data() []byte
		// Subject returns the subject on which the request was received.
		Subject() string
		// Reply returns the reply subject of the request.
		Reply() string
	}

	// ErrorResponse is the envelope used by Request.Error. The wire
	// protocol has no message headers, so service level errors travel in
	// the payload.
	ErrorResponse struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Description string `json:"description"`
		Data        []byte `json:"data,omitempty"`
	}

	request struct {
		msg          *wren.Msg
		respondError error
	}
)

// ErrorResponseType tags error envelopes.
const ErrorResponseType = "io.wren.micro.v1.error_response"

var (
	// ErrRespond is returned when sending the response fails.
	ErrRespond = fmt.Errorf("micro: respond")
	// ErrMarshalResponse is returned when marshaling the response fails.
	ErrMarshalResponse = fmt.Errorf("micro: marshaling response")
	// ErrArgRequired is returned when a required argument is missing.
	ErrArgRequired = fmt.Errorf("micro: argument required")
)

func (r *request) Respond(response []byte) error {
	if err := r.publish(response); err != nil {
		r.respondError = fmt.Errorf("%w: %s", ErrRespond, err)
		return r.respondError
	}
	return nil
}

func (r *request) RespondJSON(response interface{}) error {
	resp, err := json.Marshal(response)
	if err != nil {
		r.respondError = ErrMarshalResponse
		return r.respondError
	}
	return r.Respond(resp)
}

func (r *request) Error(code, description string, data []byte) error {
	if code == "" || description == "" {
		return fmt.Errorf("%w: code and description", ErrArgRequired)
	}
	resp, err := json.Marshal(ErrorResponse{
		Type:        ErrorResponseType,
		Code:        code,
		Description: description,
		Data:        data,
	})
	if err != nil {
		r.respondError = ErrMarshalResponse
		return r.respondError
	}
	if err := r.publish(resp); err != nil {
		r.respondError = fmt.Errorf("%w: %s", ErrRespond, err)
		return r.respondError
	}
	r.respondError = fmt.Errorf("%s: %s", code, description)
	return nil
}

func (r *request) publish(payload []byte) error {
	return r.msg.Respond(payload)
}

func (r *request) Data() []byte {
	return r.msg.Data
}

func (r *request) Subject() string {
	return r.msg.Subject
}

func (r *request) Reply() string {
	return r.msg.Reply
}
