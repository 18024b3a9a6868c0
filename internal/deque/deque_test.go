package deque

import "testing"

func TestDequeFIFO(t *testing.T) {
	var d Deque[int]
	for i := 0; i < 20; i++ {
		d.PushBack(i)
	}
	if d.Len() != 20 {
		t.Fatalf("want len 20, got %d", d.Len())
	}
	for i := 0; i < 20; i++ {
		v, ok := d.PopFront()
		if !ok {
			t.Fatalf("expected element at i=%d", i)
		}
		if v != i {
			t.Fatalf("want %d, got %d", i, v)
		}
	}
	if d.Len() != 0 {
		t.Fatalf("want empty deque, got len %d", d.Len())
	}
	if _, ok := d.PopFront(); ok {
		t.Fatal("expected empty PopFront to fail")
	}
}

func TestDequeWraparound(t *testing.T) {
	var d Deque[int]
	for i := 0; i < 8; i++ { // fills the initial capacity of 8.
		d.PushBack(i)
	}
	d.PopFront()
	d.PopFront()
	d.PushBack(8)
	d.PushBack(9)  // wraps to the start of the backing array.
	d.PushBack(10) // forces growth while wrapped.
	want := []int{2, 3, 4, 5, 6, 7, 8, 9, 10}
	var got []int
	d.All(func(_ int, v int) bool {
		got = append(got, v)
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestDequePushFront(t *testing.T) {
	var d Deque[string]
	d.PushBack("b")
	d.PushFront("a")
	d.PushBack("c")
	v, _ := d.Front()
	if v != "a" {
		t.Fatalf("want front a, got %s", v)
	}
}
