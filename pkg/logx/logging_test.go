package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":     zerolog.DebugLevel,
		" WARNING ": zerolog.WarnLevel,
		"error":     zerolog.ErrorLevel,
		"bogus":     zerolog.InfoLevel,
		"":          zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v, want %v", in, got, want)
		}
	}
}

func TestWithFieldsAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{base: zerolog.New(&buf).Level(zerolog.InfoLevel), hasBase: true}
	l = l.With(String("comp", "scheduler"))

	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug line written: %s", buf.String())
	}

	l.Info("cycle", Int("found", 2), String("comp", "override"), Err(nil))
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if got["message"] != "cycle" || got["found"] != float64(2) {
		t.Fatalf("line=%v", got)
	}
	if _, ok := got["err"]; ok {
		t.Fatalf("nil error rendered: %v", got)
	}
	if _, ok := got[zerolog.CallerFieldName]; !ok {
		t.Fatalf("caller missing: %v", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	l.Error("ignored")
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("derived logger with fields reported as zero")
	}
}
