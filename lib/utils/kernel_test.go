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

package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelVersionParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "5.4.0-148-generic\n", want: "5.4.0"},
		{input: "5.15.68.1-microsoft-standard-WSL2", want: "5.15.68"},
		{input: "6.8.12", want: "6.8.12"},
		{input: "4.19.0-23-amd64", want: "4.19.0"},
		{input: "garbage", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range tests {
		ver, err := kernelVersion(strings.NewReader(tc.input))
		if tc.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, ver.String())
	}
}
