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

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PartSeparator joins flattened parts.
const PartSeparator = "\n\n"

// StructuredDataPrefix heads the JSON rendering of a data part.
const StructuredDataPrefix = "[Structured Data]"

// FlattenParts renders parts into a single text blob for a backend that only
// accepts plain text. Text passes through, data parts are rendered as JSON
// under a prefix line and file parts become a one-line reference.
func FlattenParts(parts []Part) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := flattenPart(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, PartSeparator)
}

func flattenPart(p Part) string {
	switch p.Type {
	case PartTypeData:
		data, err := json.MarshalIndent(p.Data, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprintf("%v", p.Data))
		}
		return StructuredDataPrefix + "\n" + string(data)
	case PartTypeFile:
		if p.File == nil {
			return ""
		}
		name := p.File.Name
		if name == "" {
			name = "unnamed"
		}
		mime := p.File.MimeType
		if mime == "" {
			mime = "unknown"
		}
		return fmt.Sprintf("[File: %s, type: %s]", name, mime)
	default:
		return p.Text
	}
}

// ArtifactsText joins the text of every text part of the artifacts.
func ArtifactsText(artifacts []Artifact) string {
	var out []string
	for _, a := range artifacts {
		for _, p := range a.Parts {
			if p.Type == PartTypeText && p.Text != "" {
				out = append(out, p.Text)
			}
		}
	}
	return strings.Join(out, PartSeparator)
}

// MessageText joins the text parts of a message.
func MessageText(m *Message) string {
	if m == nil {
		return ""
	}
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartTypeText && p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, PartSeparator)
}
