// Copyright 2024 The llmrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"bytes"
	"encoding/json"
	"io"
)

// bufferedBody buffers a request body so it can be replayed on a
// retry against a different upstream. All covered endpoints take a
// small JSON body, so full buffering is mandated.
type bufferedBody struct {
	*bytes.Reader
}

func (*bufferedBody) Close() error { return nil }

// rewind allows bufferedBody to be read again.
func (b *bufferedBody) rewind() error {
	if b == nil {
		return nil
	}
	_, err := b.Seek(0, io.SeekStart)
	return err
}

// newBufferedBody buffers all of src and closes it. A nil src yields
// a nil body.
func newBufferedBody(src io.ReadCloser) (*bufferedBody, []byte, error) {
	if src == nil {
		return nil, nil, nil
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return nil, nil, err
	}
	return &bufferedBody{Reader: bytes.NewReader(data)}, data, nil
}

// peekModel extracts the "model" field from a JSON request body, if
// present. Anything else about the payload is none of our business.
func peekModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}
