package jtagice3

import "testing"

func TestReplicateWordPadsToCount(t *testing.T) {
	word := []byte{0xAB, 0xCD}
	got := replicateWord(word, 4)
	want := []byte{0xAB, 0xCD, 0xAB, 0xCD, 0xAB, 0xCD, 0xAB, 0xCD}
	if len(got) != len(want) {
		t.Fatalf("replicateWord length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replicateWord() = % X, want % X", got, want)
		}
	}
}

func TestReplicateWordPassthroughForSingleWrite(t *testing.T) {
	word := []byte{0x01, 0x02}
	got := replicateWord(word, 1)
	if len(got) != 2 || got[0] != 0x01 || got[1] != 0x02 {
		t.Fatalf("replicateWord(n=1) = % X, want unchanged", got)
	}
}

func TestReplicateWordPassthroughForPageData(t *testing.T) {
	page := []byte{1, 2, 3, 4, 5, 6}
	got := replicateWord(page, 4)
	if len(got) != len(page) {
		t.Fatalf("replicateWord should not touch non-word-sized data, got len %d", len(got))
	}
}

func TestDoXPRGRejectsNonOKStatus(t *testing.T) {
	ft := &fakeXPRGTransport{status: 0x01, body: nil}
	sess := NewSession(ft, nullLogger(), 64)
	ts := &TPISession{Session: sess, NWordWrites: 2}
	if err := ts.EnterProgmode(); err == nil {
		t.Fatalf("expected error for non-OK XPRG status")
	}
}

func TestDoXPRGAcceptsOKStatus(t *testing.T) {
	ft := &fakeXPRGTransport{status: xprgErrOK, body: []byte{0x55}}
	sess := NewSession(ft, nullLogger(), 64)
	ts := &TPISession{Session: sess, NWordWrites: 2}
	if err := ts.EnterProgmode(); err != nil {
		t.Fatalf("EnterProgmode: %v", err)
	}
}
