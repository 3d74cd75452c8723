// Copyright 2016-2022 The Wren Authors
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

package bson

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/wren-io/wren.go"
)

// Additional index for registered Encoders.
const (
	BSON_ENCODER = "bson"
)

func init() {
	// Register bson encoder
	wren.RegisterEncoder(BSON_ENCODER, &BsonEncoder{})
}

// BsonEncoder is a BSON implementation for EncodedConn, useful when peers
// of this system speak MongoDB wire types already. It uses the mongo driver
// bson package to Marshal and Unmarshal structs.
type BsonEncoder struct {
	// Empty
}

// Encode
func (be *BsonEncoder) Encode(subject string, v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decode
func (be *BsonEncoder) Decode(subject string, data []byte, vPtr interface{}) error {
	if vPtr == nil {
		return nil
	}
	return bson.Unmarshal(data, vPtr)
}
