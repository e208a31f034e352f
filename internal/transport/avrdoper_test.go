package transport

import "testing"

func TestReportSizeForPicksSmallestFit(t *testing.T) {
	cases := []struct {
		chunkLen int
		want     int
	}{
		{0, 13},
		{11, 13},
		{12, 29},
		{27, 29},
		{59, 61},
		{123, 125},
	}
	for _, c := range cases {
		got, err := reportSizeFor(c.chunkLen)
		if err != nil {
			t.Fatalf("reportSizeFor(%d): %v", c.chunkLen, err)
		}
		if got != c.want {
			t.Errorf("reportSizeFor(%d) = %d, want %d", c.chunkLen, got, c.want)
		}
	}
}

func TestReportSizeForRejectsOversizedChunk(t *testing.T) {
	if _, err := reportSizeFor(200); err == nil {
		t.Fatalf("expected error for an oversized chunk")
	}
}
