package jobs

import "testing"

func TestStateFromText(t *testing.T) {
	cases := []struct {
		text  string
		state State
		live  bool
	}{
		{"pending", Pending, true},
		{"RUNNING", Running, true},
		{"completed", Completed, false},
		{"Cancelled", Cancelled, false},
		{"failed", Failed, false},
		{"somethingunknown", Unknown, false},
	}

	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			s := StateFromText(c.text)
			if s != c.state {
				t.Errorf("expected %v got %v", c.state, s)
			}
			if s.IsLive() != c.live {
				t.Errorf("expected live %t for %v", c.live, s)
			}
		})
	}
}
