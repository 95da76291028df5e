package usbbus

import (
	"testing"

	"github.com/google/gousb"
)

func TestLocationString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		desc *gousb.DeviceDesc
		want string
	}{
		{
			name: "device below two hubs",
			desc: &gousb.DeviceDesc{Bus: 20, Path: []int{3, 3, 2}},
			want: "20-3.3.2",
		},
		{
			name: "device on root port",
			desc: &gousb.DeviceDesc{Bus: 1, Path: []int{4}},
			want: "1-4",
		},
		{
			name: "root hub has no path",
			desc: &gousb.DeviceDesc{Bus: 1},
			want: "",
		},
		{
			name: "nil descriptor",
			desc: nil,
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := locationString(tc.desc); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
