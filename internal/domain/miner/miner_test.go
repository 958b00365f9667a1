package miner

import "testing"

func TestReachable(t *testing.T) {
	cases := []struct {
		info Info
		want bool
	}{
		{Info{Stake: 0, Endpoint: "host:1"}, false},
		{Info{Stake: 10, Endpoint: ""}, false},
		{Info{Stake: 10, Endpoint: "host:1"}, true},
	}
	for _, c := range cases {
		if got := c.info.Reachable(); got != c.want {
			t.Fatalf("Reachable(%+v) = %v, want %v", c.info, got, c.want)
		}
	}
}
