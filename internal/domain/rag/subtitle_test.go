package rag

import (
	"strings"
	"testing"
)

const sampleSRT = "1\r\n00:00:01,000 --> 00:00:04,500\r\nHello <i>world</i>\r\n\r\n2\r\n00:00:05,000 --> 00:00:07,250\r\nSecond line\r\ncontinues here\r\n"

const sampleVTT = `WEBVTT

NOTE this is a comment

intro
00:01.000 --> 00:03.000 align:start
First cue

00:00:03.500 --> 00:00:06.000
Second cue without id
`

func TestSubtitleParserSRT(t *testing.T) {
	res, err := (&SubtitleParser{}).Parse(strings.NewReader(sampleSRT), "ep1.srt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(res.Segments))
	}

	first := res.Segments[0]
	if first.Text != "Hello world" {
		t.Errorf("text = %q", first.Text)
	}
	if first.Metadata["from"] != "1000" || first.Metadata["to"] != "4500" || first.Metadata["id"] != "1" {
		t.Errorf("metadata = %v", first.Metadata)
	}
	if res.Segments[1].Text != "Second line\ncontinues here" {
		t.Errorf("multi-line cue = %q", res.Segments[1].Text)
	}
}

func TestSubtitleParserVTT(t *testing.T) {
	res, err := (&SubtitleParser{}).Parse(strings.NewReader(sampleVTT), "ep1.vtt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(res.Segments))
	}
	if m := res.Segments[0].Metadata; m["id"] != "intro" || m["from"] != "1000" || m["to"] != "3000" {
		t.Errorf("first cue metadata = %v", m)
	}
	if _, ok := res.Segments[1].Metadata["id"]; ok {
		t.Errorf("cue without id should not carry one: %v", res.Segments[1].Metadata)
	}
	if res.Segments[1].Metadata["from"] != "3500" {
		t.Errorf("second cue from = %s", res.Segments[1].Metadata["from"])
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "00:00:01,000", want: 1000},
		{in: "01:02:03.004", want: 3723004},
		{in: "02:03.5", want: 123500},
		{in: "00:00:07", want: 7000},
		{in: "abc", wantErr: true},
		{in: "1:2:3:4", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTimestamp(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTimestamp(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseTimestamp(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestSubtitleParserBadTiming(t *testing.T) {
	_, err := (&SubtitleParser{}).Parse(strings.NewReader("1\nxx --> yy\ntext\n"), "bad.srt")
	if err == nil {
		t.Fatal("expected error for malformed timing line")
	}
}
