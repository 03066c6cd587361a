// SSHLog
// Copyright (C) 2024 Open Kilt LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package plugins

import (
	"strings"

	"github.com/openkilt/sshlog/lib/events"
)

// ExpandTemplate substitutes {{field}} tokens in template with values from
// the event, e.g. "user {{username}} ran {{args}}". Tokens naming fields
// the event does not carry are left as literal text.
func ExpandTemplate(template string, evt events.Event) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	for field, value := range evt.Fields() {
		token := "{{" + field + "}}"
		if strings.Contains(template, token) {
			template = strings.ReplaceAll(template, token, value)
		}
	}
	return template
}
