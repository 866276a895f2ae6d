// Copyright 2025 Kadir Pekel
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

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/httpclient"
)

// ClientCredentials exchanges a client id and secret for an access token
// with the OAuth2 client-credentials grant.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Upstream names the backend in errors.
	Upstream string
	Client   *httpclient.Client
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Fetch posts the grant. A non-2xx reply is an authentication error;
// transport failures are upstream errors.
func (f *ClientCredentials) Fetch(ctx context.Context) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {f.ClientID},
		"client_secret": {f.ClientSecret},
	}
	body := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.TokenURL, strings.NewReader(body))
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = httpclient.New()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apierr.Upstream(f.Upstream, err, "token request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apierr.Upstream(f.Upstream, err, "read token response")
	}

	var tr tokenResponse
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := tr.Description
		if reason == "" {
			reason = tr.Error
		}
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, apierr.Authentication(nil, "token endpoint returned %d: %s", resp.StatusCode, reason)
	}
	if tr.AccessToken == "" {
		return nil, apierr.Authentication(nil, "token endpoint returned no access_token")
	}

	return &Credential{
		AccessToken: tr.AccessToken,
		InstanceURL: tr.InstanceURL,
		TokenType:   tr.TokenType,
		ExpiresIn:   time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}
