package flow

import "testing"

func TestBufferPrependAppend(t *testing.T) {
	b := NewBuffer(5)
	copy(b.Bytes(), "hello")

	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("payload = %q, want hello", got)
	}

	b.Prepend([]byte("XX"))
	if got := string(b.Bytes()); got != "XXhello" {
		t.Fatalf("after prepend = %q", got)
	}

	b.Append([]byte("YY"))
	if got := string(b.Bytes()); got != "XXhelloYY" {
		t.Fatalf("after append = %q", got)
	}

	b.Release()
}

func TestBufferDoubleReleasePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	b := NewBuffer(4)
	b.Release()
	b.Release()
}

func TestBufferPrependExceedsHeadroomPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on prepend exceeding headroom")
		}
	}()
	b := NewBufferWithHeadroom(4, 2)
	b.Prepend([]byte("too many bytes"))
}

func TestClassFor(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{10, ClassSmall},
		{ClassSmall, ClassMedium},
		{ClassMedium, ClassLarge},
	}
	for _, c := range cases {
		b := NewBuffer(c.size)
		if cap(b.backing) != c.want {
			t.Errorf("NewBuffer(%d) backing cap = %d, want %d", c.size, cap(b.backing), c.want)
		}
		b.Release()
	}
}
