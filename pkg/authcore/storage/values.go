// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"net/url"
)

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// MarshalParameters serializes request parameters for adapters that store
// them as a single column or value.
func MarshalParameters(v url.Values) ([]byte, error) {
	if v == nil {
		v = url.Values{}
	}
	return json.Marshal(map[string][]string(v))
}

// UnmarshalParameters is the inverse of MarshalParameters.
func UnmarshalParameters(data []byte) (url.Values, error) {
	var m map[string][]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return url.Values(m), nil
}
