package index

import (
	"testing"

	"github.com/haukened/sbguard/internal/sb/domain"
)

func TestFactory_New_Basic(t *testing.T) {
	idx := NewFactory().New(128, 0.01)
	if idx == nil {
		t.Fatalf("expected non-nil index")
	}
	p := domain.Prefix(0xdeadbeef)
	if idx.MightContain(p) {
		t.Fatalf("unexpected positive before add")
	}
	idx.Add(p)
	if !idx.MightContain(p) {
		t.Fatalf("expected maybe after add")
	}
}

func TestFactory_New_Defaults(t *testing.T) {
	// capacity=0 and invalid fp: sizer defaults apply and the index stays usable
	idx := NewFactory().New(0, 0)
	p := domain.Prefix(42)
	idx.Add(p)
	if !idx.MightContain(p) {
		t.Fatalf("expected maybe after add with default-sized index")
	}
}

func TestFilter_NoFalseNegatives(t *testing.T) {
	idx := NewFactory().New(5000, 0.001)
	for i := uint32(0); i < 5000; i++ {
		idx.Add(domain.Prefix(i * 2654435761))
	}
	for i := uint32(0); i < 5000; i++ {
		if !idx.MightContain(domain.Prefix(i * 2654435761)) {
			t.Fatalf("false negative for %d", i)
		}
	}
}
