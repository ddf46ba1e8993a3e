package bloom

import "testing"

func TestSizer_Size(t *testing.T) {
	cases := []struct {
		n     uint64
		p     float64
		wantM uint64
		wantK uint8
	}{
		{n: 1000, p: 0.01, wantM: 9586, wantK: 7},
		{n: 0, p: 0.01, wantM: 10, wantK: 7},
		{n: 1000, p: 0, wantM: 9586, wantK: 7},
		{n: 1000, p: 0.001, wantM: 14378, wantK: 10},
	}
	for _, tc := range cases {
		m, k := (Sizer{}).Size(tc.n, tc.p)
		if m != tc.wantM || k != tc.wantK {
			t.Errorf("Size(%d, %v) = (%d, %d), want (%d, %d)", tc.n, tc.p, m, k, tc.wantM, tc.wantK)
		}
	}
}

func TestHashCountFor(t *testing.T) {
	if k := HashCountFor(0.1); k != 1 {
		t.Fatalf("HashCountFor clamps to 1, got %d", k)
	}
}
