// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDomainTTLResolution(t *testing.T) {
	t.Parallel()

	dom := &Domain{ID: "acme", AccessTokenValidity: time.Hour}
	client := &Client{ID: "c1"}

	assert.Equal(t, time.Hour, dom.AccessTokenTTL(client))
	assert.Equal(t, DefaultRefreshTokenValidity, dom.RefreshTokenTTL(client))
	assert.Equal(t, DefaultIDTokenValidity, dom.IDTokenTTL(client))
	assert.Equal(t, DefaultAuthorizationCodeValidity, dom.AuthorizationCodeTTL())
	assert.Equal(t, DefaultPushedRequestValidity, dom.PushedRequestTTL())

	client.AccessTokenValidity = time.Minute
	assert.Equal(t, time.Minute, dom.AccessTokenTTL(client))
}
