package paper

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"perpbot-go/internal/execution"
)

func TestJSONLRecorder(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/fills.jsonl"

	recorder, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("NewJSONLRecorder error: %v", err)
	}
	fill := execution.Fill{Symbol: "BTC-USDT", Side: "BUY", Qty: 1, Price: 1000}
	recorder.Record(fill)
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recorded file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one line in recorder output")
	}
	var decoded execution.Fill
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if decoded.Symbol != fill.Symbol || decoded.Side != fill.Side {
		t.Fatalf("decoded fill mismatch: %+v", decoded)
	}
}

func TestBlotterRecordSnapshot(t *testing.T) {
	blotter := NewBlotter(2)
	fill := execution.Fill{Symbol: "BTC-USDT", Qty: 1}
	blotter.Record(fill)

	snapshot := blotter.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(snapshot))
	}
	if snapshot[0].Symbol != fill.Symbol {
		t.Fatalf("unexpected fill symbol")
	}

	blotter.Reset()
	if len(blotter.Snapshot()) != 0 {
		t.Fatalf("expected blotter reset")
	}
}
