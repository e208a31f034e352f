package jtagice3

import (
	"testing"
	"time"
)

func TestFragmentCountSingleFragment(t *testing.T) {
	if n := fragmentCount(10, 64); n != 1 {
		t.Fatalf("fragmentCount(10, 64) = %d, want 1", n)
	}
}

func TestFragmentCountMultiFragment(t *testing.T) {
	// First fragment carries 64-8=56 bytes, each subsequent carries 64-4=60.
	n := fragmentCount(56+60+1, 64)
	if n != 3 {
		t.Fatalf("fragmentCount = %d, want 3", n)
	}
}

// fakeTransport is a minimal in-memory transport.Transport double
// that plays back canned Recv replies, letting FragmentRecv be tested
// without real hardware.
type fakeTransport struct {
	replies [][]byte
	idx     int
}

func (f *fakeTransport) Open(string) error      { return nil }
func (f *fakeTransport) Close() error           { return nil }
func (f *fakeTransport) Send(data []byte) error { return nil }
func (f *fakeTransport) Drain() error           { return nil }
func (f *fakeTransport) SetDTRRTS(dtr, rts bool) error { return nil }

func (f *fakeTransport) Recv(n int, timeout time.Duration) ([]byte, error) {
	if f.idx >= len(f.replies) {
		return nil, errShortFrame
	}
	r := f.replies[f.idx]
	f.idx++
	return r, nil
}

func TestFragmentRecvAssemblesPayload(t *testing.T) {
	// Two fragments of an 8-byte payload: [4,5,6,7] then [8,9,10,11].
	ft := &fakeTransport{
		replies: [][]byte{
			{0x12, 0, 4, 4, 5, 6, 7},
			{0x22, 0, 4, 8, 9, 10, 11},
		},
	}
	// status=0x12 -> idx=1,total=2; len=0x0004=4; payload bytes
	// start at offset 3: {4,5,6,7}. Second fragment: idx=2,total=2;
	// len=4; payload {8,9,10,11}.
	got, err := FragmentRecv(ft, 64, time.Second)
	if err != nil {
		t.Fatalf("FragmentRecv: %v", err)
	}
	want := []byte{4, 5, 6, 7, 8, 9, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("FragmentRecv() = % X, want % X", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FragmentRecv() = % X, want % X", got, want)
		}
	}
}

func TestFragmentRecvInconsistentTotalFails(t *testing.T) {
	ft := &fakeTransport{
		replies: [][]byte{
			{0x12, 0, 2, 1, 2},
			{0x23, 0, 1, 9}, // total=3 here, was total=2 before: mismatch
		},
	}
	if _, err := FragmentRecv(ft, 64, time.Second); err == nil {
		t.Fatalf("expected error for inconsistent fragment totals")
	}
}
