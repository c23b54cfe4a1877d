// Copyright 2025 Blink Labs Software
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

package shell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
)

// Query result codes
const (
	QueryCodeOk uint32 = iota
	QueryCodeNotFound
	QueryCodeUnknownPath
	QueryCodeError
)

// query reads committed state. Supported paths are value/<key>,
// has_key/<key>, prefix/<key> and epoch
func (s *Shell) query(req *abci.RequestQuery) *abci.ResponseQuery {
	resp := &abci.ResponseQuery{Height: int64(s.lastHeight)} //nolint:gosec
	path := strings.TrimPrefix(req.Path, "/")
	switch {
	case path == "epoch":
		data, err := types.Marshal(s.lastEpoch)
		if err != nil {
			return queryError(resp, err)
		}
		resp.Value = data
	case strings.HasPrefix(path, "value/"):
		key := strings.TrimPrefix(path, "value/")
		resp.Key = []byte(key)
		val, err := s.store.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				resp.Code = QueryCodeNotFound
				resp.Log = fmt.Sprintf("no value for key %q", key)
				return resp
			}
			return queryError(resp, err)
		}
		resp.Value = val
	case strings.HasPrefix(path, "has_key/"):
		key := strings.TrimPrefix(path, "has_key/")
		resp.Key = []byte(key)
		ok, err := s.store.Has(key)
		if err != nil {
			return queryError(resp, err)
		}
		data, err := types.Marshal(ok)
		if err != nil {
			return queryError(resp, err)
		}
		resp.Value = data
	case strings.HasPrefix(path, "prefix/"):
		prefix := strings.TrimPrefix(path, "prefix/")
		resp.Key = []byte(prefix)
		entries, err := s.store.IterPrefix(prefix)
		if err != nil {
			return queryError(resp, err)
		}
		out := make([]PrefixEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, PrefixEntry{Key: e.Key, Value: e.Value})
		}
		data, err := types.Marshal(out)
		if err != nil {
			return queryError(resp, err)
		}
		resp.Value = data
	default:
		resp.Code = QueryCodeUnknownPath
		resp.Log = fmt.Sprintf("unknown query path %q", req.Path)
	}
	return resp
}

// PrefixEntry is an element of a prefix query result
type PrefixEntry struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value []byte
}

func queryError(resp *abci.ResponseQuery, err error) *abci.ResponseQuery {
	resp.Code = QueryCodeError
	resp.Log = err.Error()
	resp.Value = nil
	return resp
}
