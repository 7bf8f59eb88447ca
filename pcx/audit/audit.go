// Package audit is the optional traffic ledger: a batched, ticker-flushed
// writer of per-bridge byte counters into a day-sharded sqlite table,
// grounded on the teacher's db/db.go (gorm bootstrap),
// db/migrate_logs.go (day-sharded auto-migration) and
// db/dao/traffic_log_aggregator.go (incremental in-memory accumulation
// flushed on a ticker or a row-count burst).
package audit

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"proxychains/pcx/common/logx"
	"proxychains/pcx/model"
)

var log = logx.New(logx.WithPrefix("audit"))

// Ledger is what pcx/worker depends on. A disabled control plane gets
// NoopLedger so the worker never has to nil-check it.
type Ledger interface {
	RecordOpen(fd int, target netip.AddrPort, chain []netip.AddrPort)
	RecordBytes(fd int, up, down int64)
	RecordClose(fd int, reason string)
	Close() error
}

type NoopLedger struct{}

func (NoopLedger) RecordOpen(int, netip.AddrPort, []netip.AddrPort) {}
func (NoopLedger) RecordBytes(int, int64, int64)                    {}
func (NoopLedger) RecordClose(int, string)                          {}
func (NoopLedger) Close() error                                     { return nil }

const (
	defaultFlushEvery = time.Second
	defaultMaxBatch   = 1000
)

type delta struct {
	fd       int
	target   netip.AddrPort
	chain    []netip.AddrPort
	up, down int64
	closed   bool
	reason   string
}

// GormLedger batches RecordBytes deltas in memory, mirroring the
// teacher's incremental-flush fields in core/forward/udp.go, and flushes
// on a 1s ticker, once 1000 bridges have pending deltas, or immediately on
// RecordClose, into
// model.BridgeTrafficLog rows sharded by day exactly like the teacher's
// TrafficTable(day).
type GormLedger struct {
	db *gorm.DB

	mu      sync.Mutex
	pending map[int]*delta

	flushEvery time.Duration
	maxBatch   int

	ensured sync.Map // day string -> struct{}

	flushNow chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// Open creates/attaches a sqlite-backed ledger at dsn. mysql is not
// supported — see DESIGN.md for why the teacher's second driver was
// dropped.
func Open(dsn string) (*GormLedger, error) {
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	l := &GormLedger{
		db:         g,
		pending:    make(map[int]*delta),
		flushEvery: defaultFlushEvery,
		maxBatch:   defaultMaxBatch,
		flushNow:   make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *GormLedger) RecordOpen(fd int, target netip.AddrPort, chain []netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.getOrCreate(fd)
	d.target = target
	d.chain = chain
}

func (l *GormLedger) RecordBytes(fd int, up, down int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.getOrCreate(fd)
	d.up += up
	d.down += down
}

// RecordClose marks fd's delta closed and wakes the flush loop immediately
// instead of waiting out the rest of the ticker interval, so a bridge's
// final byte counts and close reason land in the ledger promptly.
func (l *GormLedger) RecordClose(fd int, reason string) {
	l.mu.Lock()
	d := l.getOrCreate(fd)
	d.closed = true
	d.reason = reason
	l.mu.Unlock()

	select {
	case l.flushNow <- struct{}{}:
	default:
	}
}

func (l *GormLedger) getOrCreate(fd int) *delta {
	d, ok := l.pending[fd]
	if !ok {
		d = &delta{fd: fd}
		l.pending[fd] = d
		if len(l.pending) >= l.maxBatch {
			select {
			case l.flushNow <- struct{}{}:
			default:
			}
		}
	}
	return d
}

func (l *GormLedger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			l.flush()
			return
		case <-ticker.C:
			l.flush()
		case <-l.flushNow:
			l.flush()
		}
	}
}

func (l *GormLedger) flush() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.pending
	l.pending = make(map[int]*delta)
	l.mu.Unlock()

	day := time.Now().Format("20060102")
	if err := l.ensureTable(day); err != nil {
		log.Errorf("ensure table for %s: %v", day, err)
		return
	}

	now := time.Now()
	var rows []model.BridgeTrafficLog
	for _, d := range batch {
		if d.up > 0 {
			rows = append(rows, toRow(d, "up", d.up, now))
		}
		if d.down > 0 {
			rows = append(rows, toRow(d, "down", d.down, now))
		}
		if d.closed {
			row := toRow(d, "close", 0, now)
			row.Reason = d.reason
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return
	}

	tbl := model.BridgeTrafficTable(day)
	if err := l.db.Table(tbl).CreateInBatches(rows, l.maxBatch).Error; err != nil {
		log.Errorf("flush %d row(s) into %s: %v", len(rows), tbl, err)
	}
}

func toRow(d *delta, direction string, bytes int64, now time.Time) model.BridgeTrafficLog {
	chainAddrs := make([]string, 0, len(d.chain))
	for _, c := range d.chain {
		chainAddrs = append(chainAddrs, c.String())
	}
	return model.BridgeTrafficLog{
		Time:       now.UnixMilli(),
		FD:         d.fd,
		Direction:  direction,
		TargetAddr: d.target.Addr().String(),
		TargetPort: int(d.target.Port()),
		ChainAddrs: strings.Join(chainAddrs, ","),
		Bytes:      bytes,
	}
}

func (l *GormLedger) ensureTable(day string) error {
	if _, ok := l.ensured.Load(day); ok {
		return nil
	}
	tbl := model.BridgeTrafficTable(day)
	create := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  time BIGINT NOT NULL,
  fd INTEGER NOT NULL,
  direction TEXT NOT NULL,
  target_addr TEXT,
  target_port INTEGER,
  chain_addrs TEXT,
  bytes BIGINT,
  reason TEXT
);`, tbl)
	if err := l.db.Exec(create).Error; err != nil {
		return err
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_fd_time ON %s(fd, time);", tbl, tbl)
	if err := l.db.Exec(idx).Error; err != nil {
		return err
	}
	l.ensured.Store(day, struct{}{})
	return nil
}

// Close flushes any pending deltas and stops the background ticker.
func (l *GormLedger) Close() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
	return nil
}
