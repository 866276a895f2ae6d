// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the bridge over HTTP.
//
// Routes:
//   - POST /, POST /rpc                 A2A JSON-RPC (tasks/send, tasks/get,
//     tasks/cancel, tasks/sendSubscribe)
//   - GET  /.well-known/agent.json      bridge agent card (also served at
//     the a2a-go well-known path)
//   - GET  /health                      liveness
//   - GET  /metrics                     Prometheus exposition, when enabled
//   - POST /api/delegate/{alias}        delegate a message to a registered agent
//   - GET  /api/agents                  registered delegates
//   - GET  /api/activity                recent bridged turns
package server
