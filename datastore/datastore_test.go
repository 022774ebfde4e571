package datastore

import "testing"

func TestParseListOptions(t *testing.T) {
	cases := []struct {
		name          string
		limit, offset int
		want          ListOptions
	}{
		{"defaults", 0, 0, ListOptions{Limit: DefaultLimit}},
		{"explicit", 10, 20, ListOptions{Limit: 10, Offset: 20}},
		{"unlimited ignores offset", -5, 20, ListOptions{Limit: -1}},
		{"negative offset", 10, -1, ListOptions{Limit: 10}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ParseListOptions(c.limit, c.offset); got != c.want {
				t.Errorf("expected %+v got %+v", c.want, got)
			}
		})
	}
}
