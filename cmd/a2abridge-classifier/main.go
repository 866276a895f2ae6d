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

// Command a2abridge-classifier is a reply classifier plugin for a2abridge.
// It extends the built-in heuristic with the comma-separated regular
// expressions in A2ABRIDGE_INPUT_PATTERNS.
//
// Configure it with:
//
//	classifier:
//	  type: plugin
//	  plugin_path: ./a2abridge-classifier
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kadirpekel/a2abridge/pkg/classifier"
)

func main() {
	var patterns []string
	for _, p := range strings.Split(os.Getenv("A2ABRIDGE_INPUT_PATTERNS"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	h, err := classifier.NewHeuristic(patterns...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pattern: %v\n", err)
		os.Exit(1)
	}
	classifier.Serve(h)
}
