// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ksym

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/testutil"
)

const kallsyms = `
ffffffff8f6d1140 a udp_bpf_prots
ffffffff8f6d1480 a udpv6_prot_lock
ffffffff8f6d1488 a cipso_v4_rbm_optfmt
ffffffff8f6d14a0 a sock_id
ffffffff8f6d14a4 a tcp_sock_id
ffffffff8f6d14a8 a tcp_sock_type
ffffffff8f6d14c0 a dummy.1
ffffffff8f6d14c0 a __key.0
ffffffff8f6d1510 a idx_generator.4
ffffffff8f6d15e0 a xfrm_km_lock
ffffffff8f6d15e4 a xfrm_state_gc_lock
ffffffff8f6d1600 T xfrm_state_afinfo	[xfrm]
ffffffff8f6d15c4 a not_in_order
`

func TestLookup(t *testing.T) {
	t.Parallel()

	tbl, err := Load(log.NewNopLogger(), testutil.NewFakeFS(map[string][]byte{
		"/proc/kallsyms": []byte(kallsyms),
	}), "/proc/kallsyms")
	require.NoError(t, err)
	require.Equal(t, 13, tbl.Len())

	tests := []struct {
		name      string
		addr      uint64
		want      string
		wantStart uint64
		wantEnd   uint64
	}{
		{name: "exact", addr: 0xffffffff8f6d14a4, want: "tcp_sock_id", wantStart: 0xffffffff8f6d14a4, wantEnd: 0xffffffff8f6d14a8},
		{name: "inside", addr: 0xffffffff8f6d14a5, want: "tcp_sock_id", wantStart: 0xffffffff8f6d14a4, wantEnd: 0xffffffff8f6d14a8},
		{name: "first", addr: 0xffffffff8f6d1140, want: "udp_bpf_prots", wantStart: 0xffffffff8f6d1140, wantEnd: 0xffffffff8f6d1480},
		{name: "not in order", addr: 0xffffffff8f6d15c5, want: "not_in_order", wantStart: 0xffffffff8f6d15c4, wantEnd: 0xffffffff8f6d15e0},
		{name: "alias", addr: 0xffffffff8f6d14c8, want: "__key.0", wantStart: 0xffffffff8f6d14c0, wantEnd: 0xffffffff8f6d1510},
		{name: "last", addr: 0xffffffff8f6d1700, want: "xfrm_state_afinfo", wantStart: 0xffffffff8f6d1600},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			name, start, end, err := tbl.Lookup(tt.addr)
			require.NoError(t, err)
			require.Equal(t, tt.want, name)
			require.Equal(t, tt.wantStart, start)
			require.Equal(t, tt.wantEnd, end)
		})
	}

	_, _, _, err = tbl.Lookup(0x1000)
	require.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestLoadRestricted(t *testing.T) {
	t.Parallel()

	_, err := Load(log.NewNopLogger(), testutil.NewFakeFS(map[string][]byte{
		"/proc/kallsyms": []byte("0000000000000000 T _stext\n0000000000000000 T _text\n"),
	}), "/proc/kallsyms")
	require.ErrorIs(t, err, ErrRestricted)

	_, err = Load(log.NewNopLogger(), testutil.NewFakeFS(nil), "/proc/kallsyms")
	require.Error(t, err)
}
