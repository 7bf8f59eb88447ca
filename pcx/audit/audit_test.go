package audit

import (
	"net/netip"
	"testing"
	"time"

	"proxychains/pcx/model"
)

func TestRecordBytesFlushesToTable(t *testing.T) {
	l, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	l.flushEvery = time.Hour // only the RecordClose-triggered flush should fire

	target := netip.MustParseAddrPort("93.184.216.34:80")
	l.RecordOpen(5, target, nil)
	l.RecordBytes(5, 100, 200)
	l.RecordClose(5, "eof")

	day := time.Now().Format("20060102")
	tbl := "bridge_traffic_log_" + day

	var count int64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := l.db.Table(tbl).Count(&count).Error; err == nil && count > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count != 3 {
		t.Fatalf("got %d rows, want 3 (one up, one down, one close carrying the reason)", count)
	}

	var closeRow model.BridgeTrafficLog
	if err := l.db.Table(tbl).Where("direction = ?", "close").First(&closeRow).Error; err != nil {
		t.Fatalf("query close row: %v", err)
	}
	if closeRow.Reason != "eof" {
		t.Fatalf("close row reason = %q, want %q", closeRow.Reason, "eof")
	}
}

func TestNoopLedgerDoesNothing(t *testing.T) {
	var led Ledger = NoopLedger{}
	led.RecordOpen(1, netip.MustParseAddrPort("1.2.3.4:80"), nil)
	led.RecordBytes(1, 1, 1)
	led.RecordClose(1, "x")
	if err := led.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
