package controls

import "testing"

func TestDefaultLoadFormPolicy(t *testing.T) {
	yes, no := true, false

	testCases := []struct {
		name string
		in   LoadFormInput
		want bool
	}{
		{name: "hidden", in: LoadFormInput{Visible: &no}, want: false},
		{name: "hidden with delayed", in: LoadFormInput{Visible: &no, DelayedControls: true}, want: false},
		{name: "hidden with expression", in: LoadFormInput{Visible: &no, ExpressionProperties: true}, want: false},
		{name: "hidden with both", in: LoadFormInput{Visible: &no, DelayedControls: true, ExpressionProperties: true}, want: false},
		{name: "visible with delayed", in: LoadFormInput{Visible: &yes, DelayedControls: true}, want: true},
		{name: "visible with expression", in: LoadFormInput{Visible: &yes, ExpressionProperties: true}, want: true},
		{name: "visible with neither", in: LoadFormInput{Visible: &yes}, want: false},
		{name: "unstated visibility with delayed", in: LoadFormInput{DelayedControls: true}, want: true},
		{name: "unstated visibility with neither", in: LoadFormInput{}, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Pure: repeated evaluation yields the same answer
			for i := 0; i < 3; i++ {
				if got := DefaultLoadFormPolicy(tc.in); got != tc.want {
					t.Fatalf("DefaultLoadFormPolicy(%+v) = %v, want %v", tc.in, got, tc.want)
				}
			}
		})
	}
}
